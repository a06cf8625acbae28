// Package console is the terminal front end: it renders the transcript and
// notices and reads commands from the user.
package console

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"

	"github.com/MikeSquared-Agency/chatsync/internal/chat"
	"github.com/MikeSquared-Agency/chatsync/internal/session"
)

const emptyTranscript = "No messages yet. Start chatting!"

var (
	styleHeader = color.New(color.BgBlack, color.FgGreen)
	styleLocal  = color.New(color.FgGray)
	styleFailed = color.New(color.FgRed)
	styleNotice = color.New(color.FgYellow)
	styleError  = color.New(color.FgRed, color.OpBold)
)

// Console writes everything the user sees. Safe for concurrent use; the
// poll loop renders while the REPL prints command output.
type Console struct {
	mu      sync.Mutex
	out     io.Writer
	colours bool
}

func New(out io.Writer, colours bool) *Console {
	return &Console{out: out, colours: colours}
}

// Render prints the whole transcript of channel. Entries are numbered so
// failed ones can be retried with /retry <n>.
func (c *Console) Render(channel string, transcript []chat.Message) {
	var b strings.Builder

	if channel != "" {
		b.WriteString(c.paint(styleHeader, fmt.Sprintf("  ====== #%s ======", channel)))
		b.WriteByte('\n')
	}
	if len(transcript) == 0 {
		b.WriteString(emptyTranscript)
		b.WriteByte('\n')
	}
	for i, m := range transcript {
		b.WriteString(c.line(i+1, m))
		b.WriteByte('\n')
	}

	c.write(b.String())
}

func (c *Console) line(n int, m chat.Message) string {
	text := fmt.Sprintf("%3d [%s] %s: %s", n, m.SentAt.Local().Format("15:04:05"), m.Author, m.Body)
	switch m.Origin {
	case chat.Local:
		return c.paint(styleLocal, text+" (sending)")
	case chat.Failed:
		reason := m.FailReason
		if reason == "" {
			reason = "send failed"
		}
		return c.paint(styleFailed, fmt.Sprintf("%s  [send failed: %s, /retry %d]", text, reason, n))
	}
	return text
}

// Notify prints a notice.
func (c *Console) Notify(n chat.Notice) {
	var text string
	switch n.Kind {
	case chat.NoticeJoined:
		text = fmt.Sprintf("joined #%s as %s", n.Channel, n.Identity)
	case chat.NoticeJoinRejected:
		text = fmt.Sprintf("could not join #%s: %s", n.Channel, n.Detail)
	case chat.NoticeFetchFailed:
		text = fmt.Sprintf("could not load #%s: %s", n.Channel, n.Detail)
	case chat.NoticeSendRejected, chat.NoticeSendFailed:
		text = fmt.Sprintf("message not delivered to #%s: %s", n.Channel, n.Detail)
	default:
		text = fmt.Sprintf("%s: %s", n.Kind, n.Detail)
	}
	c.write(c.paint(styleNotice, "! "+text) + "\n")
}

// Error prints a failed command.
func (c *Console) Error(err error) {
	c.write(c.paint(styleError, "error: "+err.Error()) + "\n")
}

// Println prints a plain line.
func (c *Console) Println(text string) {
	c.write(text + "\n")
}

// Channels prints the channel list as a table, marking the active one.
func (c *Console) Channels(channels []string, active string) {
	var b strings.Builder
	table := tablewriter.NewWriter(&b)
	table.SetHeader([]string{"#", "Channel", "Active"})
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("\t")

	for i, ch := range channels {
		mark := ""
		if ch == active {
			mark = "*"
		}
		table.Append([]string{strconv.Itoa(i + 1), ch, mark})
	}
	table.Render()

	c.write(b.String())
}

// Status prints a one-line summary of the session.
func (c *Console) Status(st session.State) {
	c.Println(StatusLine(st))
}

// StatusLine summarises st, e.g. "alice in #general since 3 minutes ago, 1 pending".
func StatusLine(st session.State) string {
	if st.Identity == "" {
		return "not registered, use /nick <name>"
	}
	if st.Channel == "" {
		return fmt.Sprintf("%s, no channel joined, use /join <channel>", st.Identity)
	}
	line := fmt.Sprintf("%s in #%s since %s, %d pending", st.Identity, st.Channel, humanize.Time(st.JoinedAt), st.Pending)
	if !st.Polling {
		line += ", not polling"
	}
	return line
}

func (c *Console) paint(style color.Style, text string) string {
	if !c.colours {
		return text
	}
	return style.Render(text)
}

func (c *Console) write(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	io.WriteString(c.out, s)
}
