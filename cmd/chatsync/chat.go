package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	chatsync "github.com/LuminPulse-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var errQuit = errors.New("quit")

var chatCmd = &cobra.Command{
	Use:   "chat <contact-id>",
	Short: "Chat with a contact",
	Long: `Open a live session with a contact. Every line you type is sent as a message.

End a line with a backslash to continue the message on the next line; the
contact sees you typing until it is sent.

Commands:
  /list            print the conversation
  /retry [temp-id] retry one failed message, or all of them
  /cancel          discard the message being composed
  /quit            leave`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Default.LogLevel)
		peer := args[0]

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		reg := prometheus.NewRegistry()
		if metricsAddr != "" {
			srv := serveMetrics(metricsAddr, reg, logger)
			defer srv.Close()
		}

		sess, err := chatsync.NewSession(chatsync.Options{
			URL:        cfg.Default.WSURL,
			APIURL:     cfg.Default.APIURL,
			Tokens:     chatsync.StaticToken(cfg.Auth.Token),
			SelfID:     cfg.Auth.UserID,
			Logger:     logger,
			Registerer: reg,
		})
		if err != nil {
			return err
		}
		defer sess.Close()

		r := newRenderer(cmd.OutOrStdout(), peer)
		ready := make(chan struct{}, 1)
		if err := r.attach(sess, ready); err != nil {
			return err
		}

		if err := sess.Start(ctx); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		r.setSelf(sess.SelfID())

		select {
		case <-ready:
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("conversation list not loaded, starting a new conversation")
		case <-ctx.Done():
			return nil
		}
		if err := sess.SelectContact(ctx, peer); err != nil {
			return err
		}
		r.printf("-- chatting with %s, /quit to leave\n", peer)

		comp := &composer{sess: sess, r: r}
		lines := make(chan string)
		go func() {
			sc := bufio.NewScanner(cmd.InOrStdin())
			for sc.Scan() {
				lines <- sc.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if err := comp.handle(ctx, line); err != nil {
					if errors.Is(err, errQuit) {
						return nil
					}
					r.printf("-- %v\n", err)
				}
			}
		}
	},
}

// chatSession is the part of *chatsync.Session the input loop drives.
type chatSession interface {
	Send(ctx context.Context, content string) (chatsync.Message, error)
	Retry(ctx context.Context, provisionalID string) error
	Messages(ctx context.Context) ([]chatsync.Message, error)
	Typing(ctx context.Context) error
	StopTyping(ctx context.Context) error
}

// composer turns input lines into messages and commands.
type composer struct {
	sess  chatSession
	r     *renderer
	draft []string
}

func (c *composer) handle(ctx context.Context, raw string) error {
	line := strings.TrimSpace(raw)
	if strings.HasSuffix(line, `\`) {
		c.draft = append(c.draft, strings.TrimSpace(strings.TrimSuffix(line, `\`)))
		return c.sess.Typing(ctx)
	}
	if len(c.draft) > 0 {
		if line == "/cancel" {
			c.draft = nil
			c.r.printf("-- message discarded\n")
			return c.sess.StopTyping(ctx)
		}
		content := strings.Join(append(c.draft, line), "\n")
		c.draft = nil
		_, err := c.sess.Send(ctx, content)
		return err
	}

	fields := strings.Fields(line)
	switch {
	case line == "":
		return nil
	case line == "/quit":
		return errQuit
	case line == "/cancel":
		return nil
	case line == "/list":
		msgs, err := c.sess.Messages(ctx)
		if err != nil {
			return err
		}
		c.r.list(msgs)
		return nil
	case fields[0] == "/retry":
		return c.retry(ctx, fields[1:])
	case strings.HasPrefix(line, "/"):
		return fmt.Errorf("unknown command %s", fields[0])
	}
	_, err := c.sess.Send(ctx, line)
	return err
}

func (c *composer) retry(ctx context.Context, ids []string) error {
	if len(ids) > 0 {
		return c.sess.Retry(ctx, ids[0])
	}
	msgs, err := c.sess.Messages(ctx)
	if err != nil {
		return err
	}
	retried := 0
	for _, m := range msgs {
		if m.Status == chatsync.StatusFailed && m.ProvisionalID != "" {
			if err := c.sess.Retry(ctx, m.ProvisionalID); err == nil {
				retried++
			}
		}
	}
	c.r.printf("-- retried %d message(s)\n", retried)
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) *http.Server {
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}

// ============================================================================
// Rendering
// ============================================================================

// renderer prints session events. Its callbacks run on the session loop.
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	self    string
	peer    string
	printed map[string]string
}

func newRenderer(out io.Writer, peer string) *renderer {
	return &renderer{out: out, peer: peer, printed: make(map[string]string)}
}

func (r *renderer) attach(sess *chatsync.Session, ready chan<- struct{}) error {
	if err := sess.OnMessages(r.messages); err != nil {
		return err
	}
	if err := sess.OnConversations(func([]chatsync.Conversation) {
		select {
		case ready <- struct{}{}:
		default:
		}
	}); err != nil {
		return err
	}
	if err := sess.OnConnection(r.connection); err != nil {
		return err
	}
	if err := sess.On(chatsync.FrameTyping, r.typing); err != nil {
		return err
	}
	return sess.On(chatsync.FrameUserStatus, r.userStatus)
}

func (r *renderer) setSelf(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.self = id
}

func (r *renderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *renderer) format(m chatsync.Message) string {
	if m.SenderID == r.self || m.ProvisionalID != "" {
		return fmt.Sprintf("[%s] you: %s  (%s)", when(m.Timestamp), m.Content, statusMark(m))
	}
	return fmt.Sprintf("[%s] %s: %s", when(m.Timestamp), m.SenderID, m.Content)
}

// messages prints entries that are new or changed since the last call.
func (r *renderer) messages(msgs []chatsync.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		key := m.ID
		if m.ProvisionalID != "" {
			key = m.ProvisionalID
		}
		line := r.format(m)
		if r.printed[key] == line {
			continue
		}
		r.printed[key] = line
		fmt.Fprintln(r.out, line)
	}
}

func (r *renderer) list(msgs []chatsync.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(msgs) == 0 {
		fmt.Fprintln(r.out, "-- no messages yet")
		return
	}
	for _, m := range msgs {
		fmt.Fprintln(r.out, r.format(m))
	}
}

func (r *renderer) connection(state chatsync.ConnState, err error) {
	switch {
	case state == chatsync.StateConnected:
		r.printf("-- connected\n")
	case err != nil:
		r.printf("-- connection lost (%v), reconnecting\n", err)
	default:
		r.printf("-- disconnected\n")
	}
}

func (r *renderer) typing(f chatsync.Frame) {
	t := f.(*chatsync.TypingFrame)
	if t.UserID == r.peer && t.IsTyping {
		r.printf("-- %s is typing...\n", t.UserID)
	}
}

func (r *renderer) userStatus(f chatsync.Frame) {
	us := f.(*chatsync.UserStatusFrame)
	if us.UserID != "" {
		r.printf("-- %s is %s\n", us.UserID, valueOrDefault(us.Status, "away"))
	}
}
