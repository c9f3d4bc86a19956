package cli

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
)

// MainLoop runs exec for each input line.
// Interactive prompt when stdin is a terminal, batch otherwise.
func MainLoop(tag string, stdin io.Reader, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) error {
	if f, ok := stdin.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		// TODO OptionHistory
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
		return nil
	}
	return BatchLoop(stdin, exec)
}

// BatchLoop skips empty lines and # comments.
func BatchLoop(r io.Reader, exec func(line string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		exec(line)
	}
	return errors.Annotate(scanner.Err(), "cli read")
}

func FuzzyCompleter(words []string) func(d prompt.Document) []prompt.Suggest {
	suggests := make([]prompt.Suggest, 0, len(words))
	for _, w := range words {
		suggests = append(suggests, prompt.Suggest{Text: w})
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
	}
}
