// Package skeleton generates IEC 61131-3 Structured Text programs for the
// controllers of a simulation. Each program declares an input and an output
// location per bound sensor and copies one to the other every scan, which
// gives PLC runtimes a working starting point to edit.
package skeleton

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"text/template"

	"github.com/sirupsen/logrus"

	"github.com/ics-sandbox/physim/sim"
)

// Var is one sensor mapped to its located input and output variables.
type Var struct {
	Name   string
	Type   string // BOOL or INT
	Input  string // e.g. IX0.3
	Output string // e.g. QX0.3
}

// Program is the generated program of one controller.
type Program struct {
	Label    string
	PeriodMs int
	Vars     []Var
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var programTemplate = template.Must(template.New("st").Parse(`PROGRAM {{.Label}}
  VAR
{{- range .Vars}}
    {{.Name}}_Q AT %{{.Output}} : {{.Type}};
    {{.Name}}_I AT %{{.Input}} : {{.Type}};
{{- end}}
  END_VAR

{{range .Vars}}  {{.Name}}_Q := {{.Name}}_I;
{{end}}END_PROGRAM


CONFIGURATION Config0

  RESOURCE Res0 ON PLC
    TASK task0(INTERVAL := T#{{.PeriodMs}}ms,PRIORITY := 0);
    PROGRAM instance0 WITH task0 : {{.Label}};
  END_RESOURCE
END_CONFIGURATION
`))

// FromController maps every sensor bound to ctl. Bit addresses become
// %IX/%QX byte.bit pairs, word addresses %IW/%QW pairs on the same index.
func FromController(ctl *sim.Controller, periodMs int) (Program, error) {
	if !identifier.MatchString(ctl.Label) {
		return Program{}, fmt.Errorf("controller %q is not a valid program name", ctl.Label)
	}
	p := Program{Label: ctl.Label, PeriodMs: periodMs}
	for _, s := range ctl.Sensors() {
		if !identifier.MatchString(s.Label) {
			return Program{}, fmt.Errorf("controller %s: sensor %q is not a valid variable name", ctl.Label, s.Label)
		}
		v := Var{Name: s.Label}
		if s.Address.Width() == sim.WidthBit {
			coil := s.Address.Coil()
			v.Type = "BOOL"
			v.Input = fmt.Sprintf("IX%d.%d", coil/8, coil%8)
			v.Output = fmt.Sprintf("QX%d.%d", coil/8, coil%8)
		} else {
			reg := s.Address.Register()
			v.Type = "INT"
			v.Input = fmt.Sprintf("IW%d", reg)
			v.Output = fmt.Sprintf("QW%d", reg)
		}
		p.Vars = append(p.Vars, v)
	}
	return p, nil
}

// Write renders the program as Structured Text.
func (p Program) Write(w io.Writer) error {
	return programTemplate.Execute(w, p)
}

// WriteAll writes <label>.st into dir for every controller and returns the
// paths written.
func WriteAll(dir string, ctls []*sim.Controller, periodMs int) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	paths := make([]string, 0, len(ctls))
	for _, ctl := range ctls {
		p, err := FromController(ctl, periodMs)
		if err != nil {
			return paths, err
		}
		path := filepath.Join(dir, ctl.Label+".st")
		if err := writeFile(path, p); err != nil {
			return paths, err
		}
		logrus.Infof("wrote %s (%d variables)", path, len(p.Vars))
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, p Program) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err := p.Write(f); err != nil {
		return fmt.Errorf("rendering %s: %w", path, err)
	}
	return nil
}
