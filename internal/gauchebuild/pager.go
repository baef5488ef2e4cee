package gauchebuild

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/term"
)

// checksumState is the one-word verification status of a definition.
func checksumState(d *DefinitionInfo) string {
	switch {
	case len(d.Packages) == 0:
		return "empty"
	case d.Verified():
		return "verified"
	default:
		return "unverified"
	}
}

// showDefinitions writes a description of every definition to out. A
// terminal gets an interactive browser instead.
func showDefinitions(out io.Writer, infos []*DefinitionInfo) error {
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return browseDefinitions(infos)
	}
	return writeDefinitions(out, infos)
}

func writeDefinitions(out io.Writer, infos []*DefinitionInfo) error {
	for _, d := range infos {
		if _, err := fmt.Fprintf(out, "%s (%s, %s)\n", d.Name, d.Origin, checksumState(d)); err != nil {
			return err
		}
		for _, p := range d.Packages {
			if _, err := fmt.Fprintf(out, "  %s\n", packageLine(p)); err != nil {
				return err
			}
		}
	}
	return nil
}

func packageLine(p PackageInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", p.Name, p.Kind, p.Source)
	if p.Ref != "" {
		fmt.Fprintf(&b, " @ %s", p.Ref)
	}
	if p.Kind == "tarball" {
		if p.Checksum == "" {
			b.WriteString(" (no checksum)")
		} else {
			fmt.Fprintf(&b, " #%s", p.Checksum)
		}
	}
	return b.String()
}

// browseDefinitions lists definitions in a table; the packages of the
// selected row are shown underneath.
func browseDefinitions(infos []*DefinitionInfo) error {
	app := tview.NewApplication()

	table := tview.NewTable().
		SetSelectable(true, false).
		SetFixed(1, 0)
	table.SetBorder(true).SetTitle(" " + AppName + " definitions ")
	for col, h := range []string{"Definition", "Packages", "Checksums", "Origin"} {
		table.SetCell(0, col, tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false))
	}
	for i, d := range infos {
		state := checksumState(d)
		color := tcell.ColorGreen
		if state != "verified" {
			color = tcell.ColorRed
		}
		table.SetCell(i+1, 0, tview.NewTableCell(d.Name))
		table.SetCell(i+1, 1, tview.NewTableCell(strconv.Itoa(len(d.Packages))).SetAlign(tview.AlignRight))
		table.SetCell(i+1, 2, tview.NewTableCell(state).SetTextColor(color))
		table.SetCell(i+1, 3, tview.NewTableCell(d.Origin).SetExpansion(1))
	}

	details := tview.NewTextView().SetWrap(false)
	details.SetBorder(true).SetTitle(" Packages ")
	table.SetSelectionChangedFunc(func(row, _ int) {
		details.Clear()
		if row < 1 || row > len(infos) {
			return
		}
		lines := make([]string, 0, len(infos[row-1].Packages))
		for _, p := range infos[row-1].Packages {
			lines = append(lines, packageLine(p))
		}
		details.SetText(strings.Join(lines, "\n"))
	})
	table.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEscape {
			app.Stop()
		}
	})
	if len(infos) > 0 {
		table.Select(1, 0)
	}

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(table, 0, 2, true).
		AddItem(details, 0, 1, false).
		AddItem(tview.NewTextView().SetText(" ↑/↓ select   q quit"), 1, 0, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyRune && event.Rune() == 'q' {
			app.Stop()
			return nil
		}
		return event
	})
	if err := app.SetRoot(layout, true).Run(); err != nil {
		return fmt.Errorf("definition browser failed: %w", err)
	}
	return nil
}
