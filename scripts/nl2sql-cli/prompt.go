package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
)

var errAborted = errors.New("aborted")

// promptChoices asks for one decision per pending filter, blocking on in.
// Accepted answers are a candidate number (1-based), "s" to skip, or "q" to quit.
func promptChoices(in *bufio.Reader, out io.Writer, pending []models.PendingDecision) ([]models.DisambiguationChoice, error) {
	choices := make([]models.DisambiguationChoice, 0, len(pending))
	for _, p := range pending {
		fmt.Fprintf(out, "\n%q could be more than one %s (%s confidence):\n", p.RawValue, p.EntityType, p.Confidence)
		for i, c := range p.Candidates {
			fmt.Fprintf(out, "  %d) %s  [%s %s, similarity %.3f]\n", i+1, c.SurfaceForm, c.SourceTable, c.EntityID, c.Similarity)
		}

		choice, err := readChoice(in, out, len(p.Candidates))
		if err != nil {
			return nil, err
		}
		choice.FilterIndex = p.FilterIndex
		choices = append(choices, choice)
	}
	return choices, nil
}

func readChoice(in *bufio.Reader, out io.Writer, n int) (models.DisambiguationChoice, error) {
	for {
		fmt.Fprintf(out, "Choose 1-%d, s to skip, q to quit: ", n)
		line, err := in.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		if err != nil && answer == "" {
			if errors.Is(err, io.EOF) {
				return models.DisambiguationChoice{}, errAborted
			}
			return models.DisambiguationChoice{}, err
		}

		switch answer {
		case "q", "quit":
			return models.DisambiguationChoice{}, errAborted
		case "s", "skip":
			return models.DisambiguationChoice{Skip: true}, nil
		}
		if k, convErr := strconv.Atoi(answer); convErr == nil && k >= 1 && k <= n {
			idx := k - 1
			return models.DisambiguationChoice{Choice: &idx}, nil
		}
		fmt.Fprintln(out, "Not a valid choice.")
	}
}

// printOutcome renders a finished outcome for the terminal.
func printOutcome(out io.Writer, outcome models.Outcome) {
	switch o := outcome.(type) {
	case *models.Resolved:
		fmt.Fprintf(out, "\nSQL:\n  %s\nParams: %v\n", o.Query.SQL, o.Query.Params)
	case *models.Failed:
		fmt.Fprintf(out, "\nCould not answer (%s at %s): %s\n", o.Reason, o.Stage, o.Message)
	}
}
