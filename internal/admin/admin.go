// Package admin is the operator command surface (/explosionprotector, alias
// /ep). Every invocation is permission checked and answered in the sender's
// language.
package admin

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"blastguard.ai/internal/ledger"
	"blastguard.ai/internal/provenance"
)

const DefaultPermission = "explosionprotector.admin"

var ErrPermissionDenied = errors.New("permission denied")

// Controls is the service state the commands read and change.
type Controls interface {
	Enabled() bool
	SetEnabled(on bool)
	Stats() provenance.StatsSnapshot
	ResetStats()
	CacheStatus() provenance.CacheStatus
	ClearCache()
	RecentFallbacks(n int) []provenance.FallbackEvent
	Explain(ctx context.Context, c ledger.Coord) (provenance.Explanation, error)
	MaterialName(id uint16) string
}

// Sender is whoever issued a command.
type Sender struct {
	Name        string
	Permissions []string
	// Locale overrides the configured language, e.g. "ru_RU".
	Locale string
	// Console senders hold every permission.
	Console bool
}

// Console is the server console sender.
var Console = Sender{Name: "CONSOLE", Console: true}

func (s Sender) HasPermission(perm string) bool {
	if s.Console {
		return true
	}
	for _, p := range s.Permissions {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}

// Reply is what the sender sees. Err is set when the command was refused or
// could not run; Lines always carries the message for the sender.
type Reply struct {
	Lines []string
	Err   error
}

func (r Reply) OK() bool { return r.Err == nil }

func (r Reply) String() string { return strings.Join(r.Lines, "\n") }

type Options struct {
	Permission string
	Locale     string
}

type Dispatcher struct {
	ctl        Controls
	permission string
	locale     language.Tag
}

func NewDispatcher(ctl Controls, opts Options) *Dispatcher {
	if opts.Permission == "" {
		opts.Permission = DefaultPermission
	}
	return &Dispatcher{
		ctl:        ctl,
		permission: opts.Permission,
		locale:     resolveTag(opts.Locale, language.English),
	}
}

func (d *Dispatcher) printer(s Sender) *message.Printer {
	return message.NewPrinter(resolveTag(s.Locale, d.locale))
}

// Execute runs one command line (without the command name itself).
func (d *Dispatcher) Execute(ctx context.Context, s Sender, args []string) Reply {
	p := d.printer(s)
	if !s.HasPermission(d.permission) {
		return Reply{Lines: []string{p.Sprintf(msgNoPermission)}, Err: ErrPermissionDenied}
	}

	args = normalizeArgs(args)
	var out bytes.Buffer
	root := newRootCommand(d.ctl, p)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	lines := splitLines(out.String())
	if err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			lines = append(lines, p.Sprintf(ue.msg, ue.args...))
		} else if strings.HasPrefix(err.Error(), "unknown command") {
			lines = append(lines, p.Sprintf(msgUnknownCommand))
		} else {
			lines = append(lines, err.Error())
		}
		return Reply{Lines: lines, Err: err}
	}
	return Reply{Lines: lines}
}

// normalizeArgs lowercases subcommand words. Explain arguments keep their
// case because world names are case sensitive.
func normalizeArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := range out {
		if i > 1 {
			break
		}
		if i == 1 && out[0] == "explain" {
			break
		}
		out[i] = strings.ToLower(strings.TrimSpace(out[i]))
	}
	return out
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
