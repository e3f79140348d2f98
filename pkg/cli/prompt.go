// Package cli provides interactive terminal prompt helpers for CLI wizards.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/term"
)

// Prompter handles interactive terminal prompts.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
	eof     bool
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) readLine() (string, bool) {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if !p.scanner.Scan() {
		p.eof = true
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

// Ask prints a question with a default value and reads one line.
// Returns the default if the user presses Enter without typing.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		_, _ = fmt.Fprintf(p.Out, "%s [%s]: ", question, defaultVal)
	} else {
		_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	}
	if line, _ := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// AskSecret reads a line without echoing. Falls back to a plain read if
// stdin is not a terminal (tests, piped input). An empty answer returns
// defaultVal, which is never printed.
func (p *Prompter) AskSecret(question, defaultVal string) string {
	if defaultVal != "" {
		_, _ = fmt.Fprintf(p.Out, "%s [keep current]: ", question)
	} else {
		_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	}

	var line string
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(p.Out)
		if err == nil {
			line = strings.TrimSpace(string(b))
		}
	} else {
		line, _ = p.readLine()
	}
	if line == "" {
		return defaultVal
	}
	return line
}

// AskInt asks for an integer in [lo, hi] with a default value. It returns the
// default once input is exhausted.
func (p *Prompter) AskInt(question string, defaultVal, lo, hi int) int {
	for {
		ans := p.Ask(question, strconv.Itoa(defaultVal))
		n, err := strconv.Atoi(ans)
		if err == nil && n >= lo && n <= hi {
			return n
		}
		if p.exhausted() {
			return defaultVal
		}
		_, _ = fmt.Fprintf(p.Out, "  Please enter a number between %d and %d.\n", lo, hi)
	}
}

// AskDecimal asks for a positive decimal amount, e.g. a price in rupees.
func (p *Prompter) AskDecimal(question string, defaultVal decimal.Decimal) decimal.Decimal {
	for {
		ans := p.Ask(question, defaultVal.String())
		d, err := decimal.NewFromString(ans)
		if err == nil && d.IsPositive() {
			return d
		}
		if p.exhausted() {
			return defaultVal
		}
		_, _ = fmt.Fprintf(p.Out, "  Please enter a positive amount.\n")
	}
}

// Choose presents a numbered list of options and returns the selected value.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	_, _ = fmt.Fprintf(p.Out, "%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		_, _ = fmt.Fprintf(p.Out, "%s%d) %s\n", marker, i+1, opt)
	}
	n := p.AskInt("Choice", defaultIdx+1, 1, len(options))
	return options[n-1]
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}

// exhausted reports whether input has run out, so retry loops can stop.
func (p *Prompter) exhausted() bool {
	return p.eof
}
