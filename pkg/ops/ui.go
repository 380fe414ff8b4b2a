package ops

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/morikuni/aec"
)

// UI prints pipeline milestones for the operator.
type UI struct {
	Out   io.Writer
	Color bool
}

func (u *UI) out() io.Writer {
	if u.Out != nil {
		return u.Out
	}

	return os.Stdout
}

func (u *UI) banner(color aec.ANSI, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	if u.Color {
		msg = aec.Apply(msg, color, aec.Bold)
	}

	fmt.Fprintf(u.out(), "%s\n", msg)
}

func (u *UI) BuildStart(pkg string) {
	u.banner(aec.LightBlueF, "==> Building %s", pkg)
}

func (u *UI) BuildSkipped(pkg, rev string) {
	u.banner(aec.LightYellowF, "==> %s already built at revision %s, skipping", pkg, rev)
}

func (u *UI) BuildStep(pkg string, idx, total int, command string) {
	u.banner(aec.LightBlueF, "--> %s: build command %d of %d: %s", pkg, idx, total, command)
}

func (u *UI) Fetching(pkg string, count int) {
	u.banner(aec.LightBlueF, "--> %s: fetching %d url(s)", pkg, count)
}

func (u *UI) Collected(pkg string, removed []string) {
	if len(removed) == 0 {
		return
	}

	u.banner(aec.LightYellowF, "--> %s: removed old revisions %s", pkg, strings.Join(removed, ", "))
}

func (u *UI) Archived(pkg, rev string) {
	u.banner(aec.LightGreenF, "==> %s archived at revision %s", pkg, rev)
}

func (u *UI) Upgraded(server, pkg, from, to string) {
	if from == "" {
		from = "none"
	}

	u.banner(aec.LightGreenF, "==> %s: %s upgraded from %s to %s", server, pkg, from, to)
}

func (u *UI) UpToDate(server, pkg, rev string) {
	u.banner(aec.LightYellowF, "==> %s: %s already at revision %s", server, pkg, rev)
}

type uiMarker struct{}

func GetUI(ctx context.Context) *UI {
	v := ctx.Value(uiMarker{})
	if v == nil {
		return &UI{}
	}

	return v.(*UI)
}

func WithUI(ctx context.Context, ui *UI) context.Context {
	return context.WithValue(ctx, uiMarker{}, ui)
}
