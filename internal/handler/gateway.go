package handler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/makeasinger/rightsmatch/internal/metrics"
	"github.com/makeasinger/rightsmatch/internal/model"
	"github.com/makeasinger/rightsmatch/internal/service"
)

// Gateway routes inbound websocket commands to the dispatcher. Every failure
// is answered with an error envelope to the sender; the connection stays up.
type Gateway struct {
	dispatcher *service.Dispatcher
	validator  *validator.Validate
	logger     *zap.Logger

	results sync.WaitGroup
}

func NewGateway(d *service.Dispatcher, v *validator.Validate, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		dispatcher: d,
		validator:  v,
		logger:     logger,
	}
}

// HandleMessage decodes one frame and runs its command.
func (g *Gateway) HandleMessage(ctx context.Context, peer service.Peer, message []byte) {
	var env model.Envelope
	if err := json.Unmarshal(message, &env); err != nil || env.Command == "" {
		g.reply(peer, model.CodeInvalidMessage, "Invalid message envelope", nil)
		return
	}
	switch env.Command {
	case model.CommandRegisterWorker, model.CommandHealthCheck, model.CommandPong,
		model.CommandWorkerStateReport, model.CommandProgressReport,
		model.CommandProcessArtist, model.CommandWorkerResult:
		metrics.ObserveMessage(env.Command)
	default:
		metrics.ObserveMessage("unknown")
	}

	switch env.Command {
	case model.CommandRegisterWorker:
		id := g.dispatcher.RegisterWorker(peer)
		g.send(peer, model.CommandRegisterWorker, model.RegisterWorkerReply{ID: id})

	case model.CommandHealthCheck:
		g.send(peer, model.CommandHealthCheck, model.HealthCheckReply{Status: "ok"})

	case model.CommandPong:
		var req model.PongRequest
		if !g.decode(peer, env, &req) {
			return
		}
		if !g.dispatcher.ReportHeartbeat(req.ID) {
			g.logger.Debug("pong from unknown worker", zap.String("worker_id", req.ID))
		}

	case model.CommandWorkerStateReport:
		var req model.WorkerStateReportRequest
		if !g.decode(peer, env, &req) {
			return
		}
		if !g.dispatcher.ReportState(req.Meta.UID, req.Meta.State) {
			g.logger.Debug("state report from unknown worker", zap.String("worker_id", req.Meta.UID))
		}

	case model.CommandProgressReport:
		var req model.ProgressReportRequest
		if !g.decode(peer, env, &req) {
			return
		}
		key := model.JobKey{ArtistID: req.ArtistID, PName: req.PName}
		err := g.dispatcher.ReportProgress(key, req.Key, model.Progress{
			Current: req.CurrentProgress,
			Total:   req.TotalProgressCount,
		})
		if err != nil {
			g.replyError(peer, err)
		}

	case model.CommandProcessArtist:
		var req model.ProcessArtistRequest
		if !g.decode(peer, env, &req) {
			return
		}
		key := model.JobKey{ArtistID: req.ArtistID, PName: req.PName}
		if _, err := g.dispatcher.RequestJob(ctx, key); err != nil {
			g.replyError(peer, err)
		}

	case model.CommandWorkerResult:
		var req model.WorkerResultRequest
		if !g.decode(peer, env, &req) {
			return
		}
		key := model.JobKey{ArtistID: req.ArtistID, PName: req.PName}
		// matching runs off the read loop so the worker's pongs keep flowing
		g.results.Add(1)
		go func() {
			defer g.results.Done()
			if _, err := g.dispatcher.SubmitWorkerResult(ctx, key, req.Value); err != nil {
				g.logger.Error("worker result failed", zap.String("job", key.String()), zap.Error(err))
				g.replyError(peer, err)
			}
		}()

	default:
		g.reply(peer, model.CodeUnknownCommand, "Unknown command: "+env.Command, nil)
	}
}

// HandleDisconnect logs the end of a connection. A worker behind it stays
// registered until it misses the heartbeat deadline.
func (g *Gateway) HandleDisconnect(peer service.Peer) {
	g.logger.Debug("connection closed", zap.String("peer", peer.ID()))
}

// Wait blocks until every worker result being processed has finished.
func (g *Gateway) Wait() {
	g.results.Wait()
}

func (g *Gateway) decode(peer service.Peer, env model.Envelope, dst any) bool {
	data := env.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		g.reply(peer, model.CodeInvalidMessage, "Invalid "+env.Command+" payload", nil)
		return false
	}
	if err := g.validator.Struct(dst); err != nil {
		g.reply(peer, model.CodeValidationError, "Validation failed", formatValidationErrors(err))
		return false
	}
	return true
}

func (g *Gateway) replyError(peer service.Peer, err error) {
	switch {
	case errors.Is(err, service.ErrNoIdleWorker):
		g.reply(peer, model.CodeBusy, err.Error(), nil)
	case errors.Is(err, service.ErrJobNotFound):
		g.reply(peer, model.CodeJobNotFound, err.Error(), nil)
	case errors.Is(err, model.ErrEmptyWorkerPayload):
		g.reply(peer, model.CodeValidationError, err.Error(), nil)
	default:
		g.reply(peer, model.CodeServiceError, err.Error(), nil)
	}
}

func (g *Gateway) reply(peer service.Peer, code, message string, details any) {
	g.send(peer, model.CommandError, model.ErrorMessage{Code: code, Message: message, Details: details})
}

func (g *Gateway) send(peer service.Peer, command string, data any) {
	if err := peer.Send(command, data); err != nil {
		g.logger.Warn("failed to reply", zap.String("peer", peer.ID()), zap.String("command", command), zap.Error(err))
	}
}
