package diag_test

import (
	"archive/zip"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-sync/diag"
)

type stubSurface struct{}

func (stubSurface) Navigate(context.Context, string) error        { return nil }
func (stubSurface) CurrentURL(context.Context) (string, error)    { return "https://x", nil }
func (stubSurface) BodyText(context.Context) (string, error)      { return "body text", nil }
func (stubSurface) HTML(context.Context) (string, error)          { return "<html></html>", nil }
func (stubSurface) Click(context.Context, string) error           { return nil }
func (stubSurface) Fill(context.Context, string, string) error    { return nil }
func (stubSurface) IsVisible(context.Context, string) (bool, error) { return false, nil }
func (stubSurface) Eval(context.Context, string) error            { return nil }
func (stubSurface) Links(context.Context, string) ([]string, error) { return nil, nil }
func (stubSurface) Screenshot(context.Context) ([]byte, error)    { return []byte("PNG"), nil }
func (stubSurface) SaveSession(context.Context, string) error     { return nil }
func (stubSurface) Close() error                                  { return nil }

func TestCapture_StepsAreOrderedAndBundled(t *testing.T) {
	base := t.TempDir()
	c, err := diag.NewCapture(base, nil)
	require.NoError(t, err)

	ctx := context.Background()
	c.Step(ctx, stubSurface{}, "login_form")
	c.Step(ctx, stubSurface{}, "mfa_challenge")
	c.AddText("failure", "parse failed: no rows")

	zipPath := filepath.Join(base, "bundle.zip")
	require.NoError(t, c.Bundle(zipPath))

	r, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer r.Close()

	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	// Three artifacts per step plus the text note.
	assert.Len(t, names, 7)
	assert.Equal(t, "001-login_form.html", names[0])
	assert.Contains(t, names, "001-login_form.png")
	assert.Contains(t, names, "002-mfa_challenge.txt")
	assert.Contains(t, names, "003-failure.txt")
}
