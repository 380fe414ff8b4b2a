package progress

import (
	"bytes"
	"context"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgress(t *testing.T) {
	t.Run("does nothing without an output", func(t *testing.T) {
		p := Count(context.Background(), 3, "Collecting revisions")
		p.Tick()
		p.On("r1")
		p.Close()

		tr := &Tracker{Ctx: context.Background()}
		body := ioutil.NopCloser(strings.NewReader("data"))

		assert.Equal(t, body, tr.TrackProgress("http://example.com/a.jar", 0, 4, body))
	})

	t.Run("tracks downloads to the output", func(t *testing.T) {
		var buf bytes.Buffer

		ctx := Open(context.Background(), &buf)

		tr := &Tracker{Ctx: ctx}
		body := tr.TrackProgress("http://example.com/a.jar", 0, 4, ioutil.NopCloser(strings.NewReader("data")))

		data, err := ioutil.ReadAll(body)
		require.NoError(t, err)
		require.NoError(t, body.Close())

		assert.Equal(t, "data", string(data))
		assert.Contains(t, buf.String(), "Downloading")
	})
}
