package emu

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	ErrBuild         = errors.New("program build failed")
	ErrUnknownKernel = errors.New("unknown kernel")
)

var entryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)\b(?:__kernel|kernel)\s+void\s+([A-Za-z_]\w*)\s*\(`),
	regexp.MustCompile(`(?m)\b__global__\s+void\s+([A-Za-z_]\w*)\s*\(`),
	regexp.MustCompile(`(?m)\.entry\s+([A-Za-z_]\w*)\s*\(`),
}

var errorDirective = regexp.MustCompile(`(?m)^\s*#error\s+(.*)$`)

// Program is a compiled set of entry points
type Program struct {
	entries map[string]bool
	Log     string
}

// Compile discovers the entry points of OpenCL C, CUDA C or PTX source. A
// #error directive or a source without entry points fails the build, with
// the reason in the returned build log.
func Compile(src []byte, options string) (*Program, error) {
	text := string(src)

	if m := errorDirective.FindStringSubmatch(text); m != nil {
		log := fmt.Sprintf("error: %s", strings.TrimSpace(m[1]))
		return &Program{Log: log}, fmt.Errorf("%w: %s", ErrBuild, log)
	}

	p := &Program{entries: make(map[string]bool)}
	for _, re := range entryPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			p.entries[m[1]] = true
		}
	}
	if len(p.entries) == 0 {
		p.Log = "error: no kernel entry points"
		return p, fmt.Errorf("%w: %s", ErrBuild, p.Log)
	}

	p.Log = fmt.Sprintf("built %d entry points (%s)", len(p.entries), strings.TrimSpace(options))
	return p, nil
}

// Entries lists the discovered entry points in name order
func (p *Program) Entries() []string {
	out := make([]string, 0, len(p.entries))
	for name := range p.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Kernel is a bound entry point
type Kernel struct {
	Name string
	impl kernelImpl
}

// Kernel looks up an entry point that also has an emulated implementation
func (p *Program) Kernel(name string) (*Kernel, error) {
	if !p.entries[name] {
		return nil, fmt.Errorf("%w: %s not in program", ErrUnknownKernel, name)
	}
	impl, ok := kernelTable[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no emulated implementation", ErrUnknownKernel, name)
	}
	return &Kernel{Name: name, impl: impl}, nil
}
