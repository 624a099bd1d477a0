package bot

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/banankicks/donutbets-render/internal/logging"
	"github.com/banankicks/donutbets-render/internal/verify"
)

// tpaPattern matches the in-game transfer-request notification. The request
// is only recorded for external adjudication, never accepted.
var tpaPattern = regexp.MustCompile(`(?i)(\w+) sent you a tpa request`)

// RequestSink receives recognized verification requests.
type RequestSink interface {
	Append(ctx context.Context, fromPlayer, toBot, serverID string) (verify.Request, error)
}

// Interpreter inspects inbound chat/system lines for recognizable patterns
// and records structured events. It keeps no state between lines.
type Interpreter struct {
	botName  string
	serverID string
	sink     RequestSink
	log      *slog.Logger
}

// NewInterpreter builds an interpreter for one bot on one server.
func NewInterpreter(botName, serverID string, sink RequestSink) *Interpreter {
	return &Interpreter{
		botName:  botName,
		serverID: serverID,
		sink:     sink,
		log:      logging.ForComponent(logging.CompVerify).With(slog.String("bot", botName)),
	}
}

// HandleLine scans one inbound line. Returns true when a verification
// request was recognized and recorded.
func (in *Interpreter) HandleLine(ctx context.Context, text string) bool {
	m := tpaPattern.FindStringSubmatch(text)
	if m == nil {
		return false
	}
	fromPlayer := m[1]
	in.log.Info("tpa request received", "from", fromPlayer)

	if in.sink != nil {
		if _, err := in.sink.Append(ctx, fromPlayer, in.botName, in.serverID); err != nil {
			in.log.Error("record tpa request", "from", fromPlayer, "err", err)
			return true
		}
	}
	return true
}
