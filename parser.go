// Package ctf_go decodes Common Trace Format streams. Parse loads the YAML
// description of a trace; lib/notit decodes its stream files.
package ctf_go

import (
	"fmt"
	"os"

	"github.com/thebagchi/ctf-go/lib/ctfir"
)

// Parse reads the trace description in filename.
func Parse(filename string) (*ctfir.Trace, error) {
	data, err := os.ReadFile(filename)
	if nil != err {
		return nil, err
	}
	trace, err := ctfir.LoadYAML(data)
	if nil != err {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return trace, nil
}
