package main

import (
	"fmt"

	"github.com/harunnryd/genba/internal/breaker"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
)

type breakerTable struct {
	headerStyle  lipgloss.Style
	oddRowStyle  lipgloss.Style
	evenRowStyle lipgloss.Style
	borderStyle  lipgloss.Style
	openStyle    lipgloss.Style
}

func newBreakerTable() *breakerTable {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")
	red := lipgloss.Color("196")

	return &breakerTable{
		headerStyle: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Align(lipgloss.Center).
			Padding(0, 1),
		oddRowStyle: lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1).
			Width(22),
		evenRowStyle: lipgloss.NewStyle().
			Foreground(lightGray).
			Padding(0, 1).
			Width(22),
		borderStyle: lipgloss.NewStyle().
			Foreground(purple),
		openStyle: lipgloss.NewStyle().
			Foreground(red).
			Bold(true).
			Padding(0, 1).
			Width(22),
	}
}

func (f *breakerTable) Format(snapshots []breaker.Snapshot) string {
	if len(snapshots) == 0 {
		return "No breakers registered"
	}

	openRows := map[int]bool{}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return f.headerStyle
			case openRows[row]:
				return f.openStyle
			case row%2 == 0:
				return f.evenRowStyle
			default:
				return f.oddRowStyle
			}
		}).
		Headers("KEY", "STATE", "FAILURES", "HALF-OPEN IN")

	for i, snap := range snapshots {
		if snap.State == breaker.StateOpen {
			openRows[i] = true
		}

		halfOpenIn := "-"
		if snap.SecondsUntilHalfOpen > 0 {
			halfOpenIn = fmt.Sprintf("%.0fs", snap.SecondsUntilHalfOpen)
		}
		t.Row(snap.Key, string(snap.State), fmt.Sprintf("%d", snap.FailureCount), halfOpenIn)
	}

	return t.Render()
}
