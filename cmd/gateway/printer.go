package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/prime399/study-flow-kiro-sub000/internal/chatclient"
)

// printer renders consumer snapshots as a terminal transcript. Only the
// part of the streaming message not yet printed is written.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	current string
	printed int
	model   string
	busy    bool
}

func (p *printer) update(s chatclient.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.Streaming && s.Model != "" && p.model == "" {
		p.model = s.Model
		fmt.Fprintf(p.out, "%s %s ", color.GreenString("Assistant"), color.HiBlackString("[%s]", s.Model))
	}

	if n := len(s.Messages); n > 0 {
		last := s.Messages[n-1]
		if last.Role == chatclient.RoleAssistant && (last.IsStreaming || last.ID == p.current) {
			if last.ID != p.current {
				p.current, p.printed = last.ID, 0
			}
			if len(last.Content) > p.printed {
				fmt.Fprint(p.out, last.Content[p.printed:])
				p.printed = len(last.Content)
			}
		}
	}

	busy := s.State == chatclient.StateLoading || s.State == chatclient.StateStreaming
	if p.busy && !busy {
		p.endTurn(s)
	}
	p.busy = busy
}

func (p *printer) endTurn(s chatclient.Snapshot) {
	if p.model != "" {
		fmt.Fprintln(p.out)
	}
	if s.Error != nil {
		fmt.Fprintln(p.out, color.RedString(s.Error.Message))
		if s.Error.Suggestion != "" {
			fmt.Fprintln(p.out, color.YellowString(s.Error.Suggestion))
		}
		if s.Error.IsRetryable {
			fmt.Fprintln(p.out, color.HiBlackString("type /retry to try again"))
		}
	}
	if s.Notice != "" {
		fmt.Fprintln(p.out, color.YellowString(s.Notice))
	}
	if s.BalanceKnown {
		fmt.Fprintln(p.out, color.HiBlackString("coins: %d", s.Balance))
	}
	p.model, p.current, p.printed = "", "", 0
}

func printHistory(out io.Writer, s chatclient.Snapshot) {
	for _, m := range s.Messages {
		who := color.CyanString("You")
		if m.Role == chatclient.RoleAssistant {
			who = color.GreenString("Assistant")
		}
		fmt.Fprintf(out, "%s: %s\n", who, m.Content)
	}
}
