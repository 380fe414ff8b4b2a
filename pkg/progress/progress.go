package progress

import (
	"context"
	"fmt"
	"io"
	"time"

	pb "github.com/schollz/progressbar/v3"
)

type pbVal struct {
	w io.Writer
}

type pbKey struct{}

func Open(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, pbKey{}, pbVal{w})
}

type Progress struct {
	bar    *pb.ProgressBar
	prefix string
}

func (t *Progress) Add(cnt int64) {
	if t.bar == nil {
		return
	}

	t.bar.Add64(cnt)
}

func (t *Progress) Tick() {
	t.Add(1)
}

func (t *Progress) Close() {
	if t.bar == nil {
		return
	}

	t.bar.Close()
}

func (t *Progress) On(step string) {
	if t.bar == nil {
		return
	}

	t.bar.Describe(t.prefix + ": " + step)
}

// Count shows a bar of total steps when ctx was set up with Open. Otherwise
// the returned Progress does nothing.
func Count(ctx context.Context, total int64, desc string) *Progress {
	return open(ctx, total, desc, pb.OptionShowCount(), pb.OptionShowIts())
}

// Bytes is like Count but for transfers of total bytes. A negative total
// shows a spinner.
func Bytes(ctx context.Context, total int64, desc string) *Progress {
	return open(ctx, total, desc, pb.OptionShowBytes(true))
}

func open(ctx context.Context, total int64, desc string, opts ...pb.Option) *Progress {
	h := ctx.Value(pbKey{})
	if h == nil {
		return &Progress{}
	}

	val := h.(pbVal)

	opts = append(opts,
		pb.OptionSetDescription(desc),
		pb.OptionSetWriter(val.w),
		pb.OptionSetWidth(20),
		pb.OptionThrottle(65*time.Millisecond),
		pb.OptionSetTheme(
			pb.Theme{Saucer: "=", SaucerPadding: " ", BarStart: "[", BarEnd: "]"},
		),
		pb.OptionOnCompletion(func() {
			fmt.Fprint(val.w, "\n")
		}),
		pb.OptionSpinnerType(14),
		pb.OptionFullWidth(),
	)

	bar := pb.NewOptions64(total, opts...)
	bar.RenderBlank()

	return &Progress{prefix: desc, bar: bar}
}

// Tracker reports go-getter downloads as byte progress bars.
type Tracker struct {
	Ctx context.Context
}

func (t *Tracker) TrackProgress(src string, currentSize, totalSize int64, stream io.ReadCloser) io.ReadCloser {
	p := Bytes(t.Ctx, totalSize, "Downloading "+src)
	if p.bar == nil {
		return stream
	}

	p.Add(currentSize)

	return &trackedReader{ReadCloser: stream, p: p}
}

type trackedReader struct {
	io.ReadCloser
	p *Progress
}

func (r *trackedReader) Read(b []byte) (int, error) {
	n, err := r.ReadCloser.Read(b)
	r.p.Add(int64(n))
	return n, err
}

func (r *trackedReader) Close() error {
	r.p.Close()
	return r.ReadCloser.Close()
}
