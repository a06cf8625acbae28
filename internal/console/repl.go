package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/chatsync/internal/chat"
	"github.com/MikeSquared-Agency/chatsync/internal/session"
)

// Controller is the part of the session the REPL drives.
type Controller interface {
	Register(ctx context.Context, identity string) error
	Join(ctx context.Context, channel string) error
	Send(ctx context.Context, body string) (chat.Message, error)
	Retry(ctx context.Context, localID uuid.UUID) error
	ListChannels(ctx context.Context) ([]string, error)
	Transcript() []chat.Message
	State() session.State
}

type CommandName string

const (
	CmdNone     CommandName = ""
	CmdSend     CommandName = "send"
	CmdNick     CommandName = "nick"
	CmdJoin     CommandName = "join"
	CmdChannels CommandName = "channels"
	CmdRetry    CommandName = "retry"
	CmdStatus   CommandName = "status"
	CmdHelp     CommandName = "help"
	CmdQuit     CommandName = "quit"
)

// Command is one parsed input line.
type Command struct {
	Name CommandName
	Arg  string
}

var ErrUnknownCommand = errors.New("unknown command")

const helpText = `commands:
  /nick <name>      register as <name>
  /join <channel>   switch to <channel>
  /channels         list channels
  /retry <n>        resend failed message number <n>
  /status           show the session
  /quit             leave
anything else is sent to the active channel`

// ParseCommand turns an input line into a Command. Lines that do not start
// with a slash are messages.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return Command{Name: CmdSend, Arg: line}, nil
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch cmd := CommandName(strings.ToLower(name)); cmd {
	case CmdNick, CmdJoin, CmdRetry:
		if arg == "" {
			return Command{}, fmt.Errorf("/%s needs an argument", cmd)
		}
		return Command{Name: cmd, Arg: arg}, nil
	case CmdChannels, CmdStatus, CmdHelp, CmdQuit:
		return Command{Name: cmd}, nil
	}
	return Command{}, fmt.Errorf("%w /%s", ErrUnknownCommand, name)
}

type REPL struct {
	ctrl    Controller
	console *Console
	in      io.Reader
}

func NewREPL(ctrl Controller, console *Console, in io.Reader) *REPL {
	return &REPL{ctrl: ctrl, console: console, in: in}
}

// Run reads lines until /quit, end of input or ctx is done. Command errors
// are printed and never end the loop.
func (r *REPL) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read input: %w", err)
					}
				default:
				}
				return nil
			}
			if r.Execute(ctx, line) {
				return nil
			}
		}
	}
}

// Execute runs a single input line and reports whether the user asked to
// quit.
func (r *REPL) Execute(ctx context.Context, line string) bool {
	cmd, err := ParseCommand(line)
	if err != nil {
		r.console.Error(err)
		return false
	}

	switch cmd.Name {
	case CmdNone:
	case CmdQuit:
		return true
	case CmdHelp:
		r.console.Println(helpText)
	case CmdStatus:
		r.console.Status(r.ctrl.State())
	case CmdSend:
		_, err = r.ctrl.Send(ctx, cmd.Arg)
	case CmdNick:
		if err = r.ctrl.Register(ctx, cmd.Arg); err == nil {
			r.console.Println(fmt.Sprintf("registered as %s", strings.TrimSpace(cmd.Arg)))
		}
	case CmdJoin:
		err = r.ctrl.Join(ctx, cmd.Arg)
	case CmdChannels:
		var channels []string
		if channels, err = r.ctrl.ListChannels(ctx); err == nil {
			r.console.Channels(channels, r.ctrl.State().Channel)
		}
	case CmdRetry:
		err = r.retry(ctx, cmd.Arg)
	}

	if err != nil {
		r.console.Error(err)
	}
	return false
}

// retry resolves the transcript number shown by Render to a failed entry.
func (r *REPL) retry(ctx context.Context, arg string) error {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return fmt.Errorf("/retry needs a message number, got %q", arg)
	}
	transcript := r.ctrl.Transcript()
	if n < 1 || n > len(transcript) {
		return fmt.Errorf("no message number %d", n)
	}
	m := transcript[n-1]
	if m.Origin != chat.Failed {
		return fmt.Errorf("message %d has not failed", n)
	}
	return r.ctrl.Retry(ctx, m.LocalID)
}
