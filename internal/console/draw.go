package console

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/rivo/uniseg"

	"github.com/dshills/keyforge/internal/module"
	"github.com/dshills/keyforge/internal/modules/envcheck"
)

type palette struct {
	title    tcell.Style
	header   tcell.Style
	text     tcell.Style
	selected tcell.Style
	active   tcell.Style
	inactive tcell.Style
	dim      tcell.Style
}

// hexColor converts "#rrggbb" to a tcell color. Invalid input yields the
// terminal default.
func hexColor(s string) tcell.Color {
	c, err := colorful.Hex(s)
	if err != nil {
		return tcell.ColorDefault
	}
	r, g, b := c.RGB255()
	return tcell.NewRGBColor(int32(r), int32(g), int32(b))
}

func defaultPalette() palette {
	accent, _ := colorful.Hex("#5f87d7")
	base, _ := colorful.Hex("#1c1c1c")
	sel := accent.BlendLab(base, 0.35).Hex()

	return palette{
		title:    tcell.StyleDefault.Foreground(hexColor("#ffffff")).Background(hexColor("#5f87d7")).Bold(true),
		header:   tcell.StyleDefault.Bold(true).Underline(true),
		text:     tcell.StyleDefault,
		selected: tcell.StyleDefault.Foreground(hexColor("#ffffff")).Background(hexColor(sel)),
		active:   tcell.StyleDefault.Foreground(hexColor("#5faf5f")),
		inactive: tcell.StyleDefault.Foreground(hexColor("#d7875f")),
		dim:      tcell.StyleDefault.Dim(true),
	}
}

// column widths of the module table
const (
	colID      = 34
	colState   = 11
	colKind    = 10
	colChannel = 4
	colVersion = 10
)

// Draw renders the current state.
func (c *Controller) Draw() {
	scr := c.screen
	scr.Clear()
	w, h := scr.Size()
	if w <= 0 || h <= 0 {
		return
	}

	mods := c.host.ListModules()
	c.mu.Lock()
	if len(mods) > 0 {
		c.selected = clamp(c.selected, 0, len(mods)-1)
	}
	sel, status := c.selected, c.status
	c.mu.Unlock()

	stats := c.host.Stats()
	env := "pending"
	if envcheck.Ready(c.host.RTValues()) {
		env = "ready"
	}
	title := fmt.Sprintf(" keyforge modules  env:%s  modules:%d  triggered:%d  delivered:%d  failed:%d",
		env, len(mods), stats.Triggered, stats.Delivered, stats.Failed+stats.Panicked)
	fillRow(scr, 0, w, c.palette.title)
	drawText(scr, 0, 0, w, c.palette.title, title)

	header := row("ID", "STATE", "KIND", "CH", "VERSION", "AUTO")
	drawText(scr, 0, 1, w, c.palette.header, header)

	y := 2
	listEnd := h - 8
	for i, m := range mods {
		if y >= listEnd {
			break
		}
		style := c.palette.text
		if i == sel {
			style = c.palette.selected
			fillRow(scr, y, w, style)
		}
		line := row(m.ID, m.State.String(), kind(m), fmt.Sprint(int(m.Channel)), m.Metadata.Version, c.autoFlag(m.ID))
		drawText(scr, 0, y, w, style, line)
		if i != sel {
			stateStyle := c.palette.inactive
			if m.State == module.StateActive {
				stateStyle = c.palette.active
			}
			drawText(scr, colID+2, y, colState, stateStyle, m.State.String())
		}
		y++
	}
	if len(mods) == 0 {
		drawText(scr, 2, y, w-2, c.palette.dim, "no modules registered")
	}

	if len(mods) > 0 && sel < len(mods) {
		c.drawDetails(max(y+1, listEnd), w, h, mods[sel])
	}

	help := "↑↓ select  a activate  d deactivate  t auto  r check env  q quit"
	if status != "" {
		help = status
	}
	drawText(scr, 0, h-1, w, c.palette.dim, help)
	scr.Show()
}

func (c *Controller) drawDetails(top, w, h int, m module.Info) {
	lines := []string{
		"id:        " + m.ID,
		fmt.Sprintf("name:      %s %s by %s", m.Metadata.Name, m.Metadata.Version, m.Metadata.Author),
		"sdk:       " + m.Metadata.SDKVersion,
		"hash:      " + m.Metadata.Hash,
		"path:      " + m.Metadata.Path,
		"listening: " + strings.Join(m.Listening, ", "),
	}
	for i, line := range lines {
		y := top + i
		if y >= h-1 {
			return
		}
		drawText(c.screen, 1, y, w-1, c.palette.text, line)
	}
}

func (c *Controller) autoFlag(id string) string {
	if c.settings == nil {
		return "-"
	}
	e, ok := c.settings.Get(id)
	if !ok {
		return "-"
	}
	return onOff(e.AutoActivate)
}

func kind(m module.Info) string {
	if m.Integrated {
		return "integrated"
	}
	return "external"
}

func row(id, state, kind, ch, version, auto string) string {
	return " " + pad(id, colID) + " " + pad(state, colState) + " " + pad(kind, colKind) + " " +
		pad(ch, colChannel) + " " + pad(version, colVersion) + " " + auto
}

// pad fits s into exactly width display columns.
func pad(s string, width int) string {
	if n := uniseg.StringWidth(s); n <= width {
		return s + strings.Repeat(" ", width-n)
	}
	var b strings.Builder
	used := 0
	state := -1
	rest := s
	for rest != "" {
		var cluster string
		var cw int
		cluster, rest, cw, state = uniseg.FirstGraphemeClusterInString(rest, state)
		if used+cw > width-1 {
			break
		}
		b.WriteString(cluster)
		used += cw
	}
	b.WriteString("…")
	used++
	return b.String() + strings.Repeat(" ", max(0, width-used))
}

// drawText writes s at (x, y) clipped to maxWidth columns, one grapheme
// cluster per cell.
func drawText(scr tcell.Screen, x, y, maxWidth int, style tcell.Style, s string) {
	limit := x + maxWidth
	state := -1
	rest := s
	for rest != "" && x < limit {
		var cluster string
		var cw int
		cluster, rest, cw, state = uniseg.FirstGraphemeClusterInString(rest, state)
		if cw == 0 {
			continue
		}
		if x+cw > limit {
			return
		}
		runes := []rune(cluster)
		scr.SetContent(x, y, runes[0], runes[1:], style)
		x += cw
	}
}

func fillRow(scr tcell.Screen, y, w int, style tcell.Style) {
	for x := 0; x < w; x++ {
		scr.SetContent(x, y, ' ', nil, style)
	}
}
