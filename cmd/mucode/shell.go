package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/orneryd/mucode/pkg/mucode"
	"github.com/orneryd/mucode/pkg/muql"
)

const shellPrompt = "muql> "

// runShell reads one statement per line until EOF or "exit". Query errors
// are printed and the shell keeps going.
func runShell(ctx context.Context, db *mucode.DB, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "mucode v%s shell. Type 'help' for statements, 'exit' or Ctrl+D to quit.\n", version)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, shellPrompt)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		cmd, rest, _ := strings.Cut(line, " ")
		switch strings.ToLower(cmd) {
		case "exit", "quit", `\q`:
			return nil
		case "help", `\h`, "?":
			printShellHelp(out)
			continue
		case `\explain`:
			plan, err := db.Executor().Prepare(rest)
			if err != nil {
				printShellError(out, err)
				continue
			}
			fmt.Fprintln(out, plan.String())
			continue
		case `\status`:
			st, err := db.Status()
			if err != nil {
				printShellError(out, err)
				continue
			}
			renderStatus(out, st)
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := db.Execute(ctx, line)
		if err != nil {
			printShellError(out, err)
			continue
		}
		renderResult(out, res)
	}
}

func printShellError(out io.Writer, err error) {
	fmt.Fprintf(out, "%s %v\n", styles.err.Render("error:"), err)
}

func printShellHelp(out io.Writer) {
	fmt.Fprintln(out, styles.title.Render("Statements"))
	for _, s := range statementHelp {
		fmt.Fprintln(out, "  "+s)
	}
	fmt.Fprintln(out, styles.title.Render("Analyses"))
	for _, name := range muql.AnalysisNames() {
		desc, _ := muql.AnalysisDescription(name)
		fmt.Fprintf(out, "  %-16s %s\n", name, desc)
	}
	fmt.Fprintln(out, styles.title.Render("Shell"))
	fmt.Fprintln(out, `  \explain <muql>  print the plan without running it`)
	fmt.Fprintln(out, `  \status          store and snapshot statistics`)
	fmt.Fprintln(out, `  exit             leave the shell`)
}
