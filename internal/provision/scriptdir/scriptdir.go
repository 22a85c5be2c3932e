// Package scriptdir hands startup scripts to the operator as files instead
// of pushing them to the endpoint.
package scriptdir

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/lex00/wetwire-vpn-go/internal/provision"
)

// Dir writes <dir>/<endpointID>.sh with mode 0600. The scripts embed
// pre-shared keys, so the directory is created 0700.
type Dir struct {
	path string
	log  logrus.FieldLogger
}

var _ provision.EndpointOS = (*Dir)(nil)

// New returns a Dir rooted at path.
func New(path string, log logrus.FieldLogger) (*Dir, error) {
	if path == "" {
		return nil, errors.New("script directory is required")
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("creating script directory: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dir{path: path, log: log}, nil
}

// Path returns where the script for endpointID is written.
func (d *Dir) Path(endpointID string) string {
	return filepath.Join(d.path, endpointID+".sh")
}

func (d *Dir) ApplyStartupScript(ctx context.Context, endpointID string, script []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if endpointID == "" || strings.ContainsAny(endpointID, `/\`) || strings.HasPrefix(endpointID, ".") {
		return fmt.Errorf("invalid endpoint id %q", endpointID)
	}
	name := d.Path(endpointID)
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, script, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, name); err != nil {
		return err
	}
	d.log.WithField("endpoint", endpointID).WithField("path", name).Info("startup script written")
	return nil
}
