package exchange

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/openedi/go-as2/internal/storage"
)

// Hooks receives best-effort notifications after a successful send or
// receive. Implementations must not assume their failures affect
// message state: the caller swallows everything.
type Hooks interface {
	// OnSendSuccess fires after an outbound message reaches Success.
	OnSendSuccess(ctx context.Context, msg *storage.Message, partner *storage.Partner, headers map[string]string)

	// OnReceiveSuccess fires after an inbound message is accepted and
	// its payload written to the partner inbox at fullPath.
	OnReceiveSuccess(ctx context.Context, msg *storage.Message, partner *storage.Partner, headers map[string]string, fullPath string)
}

// NopHooks is the default no-op implementation.
type NopHooks struct{}

func (NopHooks) OnSendSuccess(ctx context.Context, msg *storage.Message, partner *storage.Partner, headers map[string]string) {
}

func (NopHooks) OnReceiveSuccess(ctx context.Context, msg *storage.Message, partner *storage.Partner, headers map[string]string, fullPath string) {
}

// CommandHooks executes the partner-configured shell command templates
// after successful exchanges. Template variables use $name/${name}
// syntax: $filename, $fullfilename, $sender, $receiver, $messageid,
// plus any protocol header such as $subject. Command failures are
// logged and swallowed.
type CommandHooks struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewCommandHooks creates command hooks with a 30s default timeout.
func NewCommandHooks(logger *slog.Logger) *CommandHooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandHooks{Timeout: 30 * time.Second, Logger: logger}
}

func (h *CommandHooks) OnSendSuccess(ctx context.Context, msg *storage.Message, partner *storage.Partner, headers map[string]string) {
	if partner == nil || partner.CmdSend == "" {
		return
	}
	h.run(ctx, partner.CmdSend, h.variables(msg, ""), headers)
}

func (h *CommandHooks) OnReceiveSuccess(ctx context.Context, msg *storage.Message, partner *storage.Partner, headers map[string]string, fullPath string) {
	if partner == nil || partner.CmdReceive == "" {
		return
	}
	h.run(ctx, partner.CmdReceive, h.variables(msg, fullPath), headers)
}

func (h *CommandHooks) variables(msg *storage.Message, fullPath string) map[string]string {
	return map[string]string{
		"filename":     msg.Filename,
		"fullfilename": fullPath,
		"sender":       msg.OrganizationID,
		"receiver":     msg.PartnerID,
		"messageid":    msg.MessageID,
	}
}

func (h *CommandHooks) run(ctx context.Context, template string, vars, headers map[string]string) {
	command := os.Expand(template, func(name string) string {
		if value, ok := vars[name]; ok {
			return value
		}
		if value, ok := headers[strings.ToLower(name)]; ok {
			return value
		}
		return ""
	})

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(cmdCtx, "sh", "-c", command).CombinedOutput()
	if err != nil {
		h.Logger.Warn("post-processing command failed",
			"command", command,
			"error", err,
			"output", strings.TrimSpace(string(out)),
		)
		return
	}
	h.Logger.Debug("post-processing command executed", "command", command)
}
