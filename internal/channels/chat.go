package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glwlg/X-bot-sub002/internal/bus"
	"github.com/glwlg/X-bot-sub002/internal/dispatch"
	"github.com/glwlg/X-bot-sub002/internal/heartbeat"
	"github.com/glwlg/X-bot-sub002/internal/inbox"
	"github.com/glwlg/X-bot-sub002/internal/taskmgr"
)

const maxDescription = 80

// Message is one inbound text from a platform user.
type Message struct {
	UserID string
	ChatID string
	Text   string
}

type ChatConfig struct {
	// Platform names the channel; it becomes the task source.
	Platform   string
	Manager    *taskmgr.Manager
	Dispatcher *dispatch.Dispatcher
	Heartbeat  *heartbeat.Store
	Logger     *slog.Logger
}

// Chat turns inbound messages into tracked chat turns and answers the
// built-in commands. It is shared by every platform channel.
type Chat struct {
	platform  string
	manager   *taskmgr.Manager
	disp      *dispatch.Dispatcher
	heartbeat *heartbeat.Store
	logger    *slog.Logger
}

func NewChat(cfg ChatConfig) (*Chat, error) {
	if cfg.Manager == nil || cfg.Dispatcher == nil {
		return nil, errors.New("chat: manager and dispatcher are required")
	}
	if cfg.Platform == "" {
		return nil, errors.New("chat: platform is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Chat{
		platform:  cfg.Platform,
		manager:   cfg.Manager,
		disp:      cfg.Dispatcher,
		heartbeat: cfg.Heartbeat,
		logger:    cfg.Logger,
	}, nil
}

const helpText = `Send any message to start a task.
/stop - stop the running task
/status - show the running task
/heartbeat - show heartbeat settings
/heartbeat pause | resume
/heartbeat every <30m|2h|cron>
/heartbeat add <item> | remove <item or number>
/heartbeat here - deliver heartbeat results to this chat`

// Handle routes one message. Commands are answered before it returns; any
// other text starts a chat turn whose run is returned. A turn registered for
// a user supersedes the user's previous one.
func (c *Chat) Handle(ctx context.Context, msg Message, out Replier) *taskmgr.Run {
	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.UserID == "" {
		return nil
	}
	c.ensureDeliveryTarget(ctx, msg)

	if strings.HasPrefix(text, "/") {
		cmd, arg, _ := strings.Cut(text, " ")
		// Group chats address commands as /cmd@botname.
		cmd, _, _ = strings.Cut(cmd, "@")
		c.command(ctx, msg, strings.ToLower(cmd), strings.TrimSpace(arg), out)
		return nil
	}
	return c.startTurn(ctx, msg, text, out)
}

func (c *Chat) command(ctx context.Context, msg Message, cmd, arg string, out Replier) {
	switch cmd {
	case "/start", "/help":
		c.reply(ctx, out, helpText)
	case "/stop", "/cancel":
		if desc, ok := c.manager.Cancel(msg.UserID); ok {
			c.reply(ctx, out, "Stopped: "+desc)
		} else {
			c.reply(ctx, out, "Nothing is running.")
		}
	case "/status":
		c.reply(ctx, out, c.status(ctx, msg.UserID))
	case "/heartbeat":
		c.reply(ctx, out, c.heartbeatCommand(ctx, msg, arg))
	default:
		c.reply(ctx, out, "Unknown command. "+helpText)
	}
}

func (c *Chat) startTurn(ctx context.Context, msg Message, text string, out Replier) *taskmgr.Run {
	task, err := c.disp.Submit(ctx, dispatch.Request{
		UserID:       msg.UserID,
		Source:       c.platform,
		Goal:         text,
		Mode:         dispatch.ModeSync,
		TrackSession: true,
		Payload:      map[string]any{"chat_id": msg.ChatID, "platform": c.platform},
	})
	if err != nil {
		c.logger.Error("submit chat task", "user_id", msg.UserID, "error", err)
		c.reply(ctx, out, fmt.Sprintf("Error: could not schedule task: %v", err))
		return nil
	}

	if prev, ok := c.manager.TaskInfo(msg.UserID); ok && !prev.Finished {
		c.reply(ctx, out, "Stopped previous task: "+prev.Description)
	}

	// The run must not unregister itself before it has been registered.
	ready := make(chan struct{})
	run := taskmgr.Go(ctx, func(runCtx context.Context) error {
		<-ready
		defer c.manager.Unregister(msg.UserID, task.ID)
		c.manager.Heartbeat(msg.UserID, "dispatching")

		res, err := c.disp.Execute(runCtx, task, "")
		if errors.Is(err, context.Canceled) || c.manager.IsCancelled(msg.UserID) {
			return context.Canceled
		}
		if err != nil {
			c.reply(runCtx, out, fmt.Sprintf("Task failed: %v", err))
			return err
		}
		c.manager.Heartbeat(msg.UserID, "replying")
		if res.Task.Status == inbox.StatusFailed {
			c.reply(runCtx, out, "Task failed: "+res.Task.Error)
			return nil
		}
		if err := out.Reply(runCtx, Reply{Text: res.Output.Text, UI: res.Output.UI}); err != nil {
			c.logger.Warn("send chat reply", "user_id", msg.UserID, "task_id", task.ID, "error", err)
		}
		return nil
	})
	hbPath := ""
	if c.heartbeat != nil {
		hbPath, _ = c.heartbeat.Path(msg.UserID)
	}
	c.manager.Register(msg.UserID, run, taskmgr.Options{
		Description:   describe(text),
		TaskID:        task.ID,
		HeartbeatPath: hbPath,
	})
	close(ready)
	return run
}

func (c *Chat) status(ctx context.Context, userID string) string {
	if info, ok := c.manager.TaskInfo(userID); ok && !info.Finished {
		var b strings.Builder
		fmt.Fprintf(&b, "Running: %s\nfor %s", info.Description, info.Running.Round(time.Second))
		if info.LastHeartbeatAt != nil {
			fmt.Fprintf(&b, ", last heartbeat %s ago", info.HeartbeatAge.Round(time.Second))
			if info.LastHeartbeatNote != "" {
				fmt.Fprintf(&b, " (%s)", info.LastHeartbeatNote)
			}
		}
		if info.CancelRequested {
			b.WriteString("\nstop requested")
		}
		return b.String()
	}
	if c.heartbeat != nil {
		if at, ok, err := c.heartbeat.GetActiveTask(ctx, userID); err == nil && ok {
			return fmt.Sprintf("Queued: %s [%s]", describe(at.Goal), orPending(at.Status))
		}
		if at, ok, err := c.heartbeat.LastTask(ctx, userID); err == nil && ok {
			msg := fmt.Sprintf("Last task: %s [%s]", describe(at.Goal), at.Status)
			if at.ResultSummary != "" {
				msg += "\n" + describe(at.ResultSummary)
			}
			return msg
		}
	}
	return "Nothing is running."
}

func (c *Chat) heartbeatCommand(ctx context.Context, msg Message, arg string) string {
	if c.heartbeat == nil {
		return "Heartbeat is not enabled."
	}
	sub, rest, _ := strings.Cut(arg, " ")
	rest = strings.TrimSpace(rest)
	var err error
	switch strings.ToLower(sub) {
	case "":
		doc, lerr := c.heartbeat.Load(ctx, msg.UserID)
		if lerr != nil {
			return "Error: " + lerr.Error()
		}
		return formatHeartbeat(doc)
	case "pause", "resume":
		paused := strings.EqualFold(sub, "pause")
		_, err = c.heartbeat.UpdateSpec(ctx, msg.UserID, heartbeat.SpecPatch{Paused: &paused})
		if err == nil && paused {
			return "Heartbeat paused."
		}
		if err == nil {
			return "Heartbeat resumed."
		}
	case "every":
		if _, err = c.heartbeat.UpdateSpec(ctx, msg.UserID, heartbeat.SpecPatch{Every: &rest}); err == nil {
			return "Heartbeat runs every " + rest + "."
		}
	case "add":
		if rest == "" {
			return "Usage: /heartbeat add <item>"
		}
		var items []string
		if items, err = c.heartbeat.AddChecklistItem(ctx, msg.UserID, rest); err == nil {
			return fmt.Sprintf("Checklist has %d item(s).", len(items))
		}
	case "remove":
		var removed bool
		if removed, err = c.heartbeat.RemoveChecklistItem(ctx, msg.UserID, rest); err == nil {
			if !removed {
				return "No such checklist item."
			}
			return "Removed."
		}
	case "here":
		if err = c.heartbeat.SetDeliveryTarget(ctx, msg.UserID, heartbeat.Target{Platform: c.platform, ChatID: msg.ChatID}); err == nil {
			return "Heartbeat results will be delivered here."
		}
	default:
		return "Usage: /heartbeat [pause|resume|every|add|remove|here]"
	}
	return "Error: " + err.Error()
}

// ensureDeliveryTarget makes the first chat a user talks from their default
// heartbeat destination.
func (c *Chat) ensureDeliveryTarget(ctx context.Context, msg Message) {
	if c.heartbeat == nil || msg.ChatID == "" {
		return
	}
	if _, ok, err := c.heartbeat.DeliveryTarget(ctx, msg.UserID); err != nil || ok {
		return
	}
	if err := c.heartbeat.SetDeliveryTarget(ctx, msg.UserID, heartbeat.Target{Platform: c.platform, ChatID: msg.ChatID}); err != nil {
		c.logger.Warn("set heartbeat delivery target", "user_id", msg.UserID, "error", err)
	}
}

func (c *Chat) reply(ctx context.Context, out Replier, text string) {
	if err := out.Reply(ctx, Reply{Text: text}); err != nil {
		c.logger.Warn("send chat reply", "error", err)
	}
}

func formatHeartbeat(doc heartbeat.Document) string {
	var b strings.Builder
	state := "active"
	if doc.Spec.Paused {
		state = "paused"
	}
	fmt.Fprintf(&b, "Heartbeat %s, every %s", state, doc.Spec.Every)
	if doc.Spec.ActiveStart != "" {
		fmt.Fprintf(&b, ", %s-%s", doc.Spec.ActiveStart, doc.Spec.ActiveEnd)
	}
	if doc.Status.LastRunAt != nil {
		fmt.Fprintf(&b, "\nLast run %s (%s)", doc.Status.LastRunAt.Format(time.RFC3339), doc.Status.LastLevel)
	}
	if len(doc.Checklist) == 0 {
		b.WriteString("\nChecklist is empty.")
	}
	for i, item := range doc.Checklist {
		fmt.Fprintf(&b, "\n%d. %s", i+1, item)
	}
	return b.String()
}

func orPending(status string) string {
	if status == "" {
		return "pending"
	}
	return status
}

func describe(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= maxDescription {
		return text
	}
	return string(r[:maxDescription-1]) + "…"
}

// OutputForwarder delivers the results of queued tasks (schedules, API
// submissions) to the owner's heartbeat delivery target. Chat turns reply
// inline and are skipped.
type OutputForwarder struct {
	Bus       *bus.Bus
	Inbox     *inbox.Inbox
	Heartbeat *heartbeat.Store
	Notifier  heartbeat.Notifier
	Logger    *slog.Logger
}

// Run forwards until ctx is done.
func (f *OutputForwarder) Run(ctx context.Context) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sub := f.Bus.Subscribe("task.")
	defer f.Bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if ev.Topic != bus.TopicTaskCompleted && ev.Topic != bus.TopicTaskFailed {
				continue
			}
			te, ok := ev.Payload.(bus.TaskEvent)
			if !ok || te.UserID == "" {
				continue
			}
			if err := f.forward(ctx, te.TaskID); err != nil {
				logger.Warn("forward task output", "task_id", te.TaskID, "error", err)
			}
		}
	}
}

func (f *OutputForwarder) forward(ctx context.Context, taskID string) error {
	task, ok, err := f.Inbox.Get(ctx, taskID)
	if err != nil || !ok {
		return err
	}
	if mode, _ := task.Payload[dispatch.PayloadMode].(string); mode == string(dispatch.ModeSync) {
		return nil
	}
	target, ok, err := f.Heartbeat.DeliveryTarget(ctx, task.UserID)
	if err != nil || !ok {
		return err
	}
	text := task.FinalOutput
	level := heartbeat.LevelNotice
	if task.Status == inbox.StatusFailed {
		text = fmt.Sprintf("Task %q failed: %s", describe(task.Goal), task.Error)
		level = heartbeat.LevelAction
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return f.Notifier.Notify(ctx, target, task.UserID, text, level)
}
