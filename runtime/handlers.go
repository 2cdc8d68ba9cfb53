package runtime

import (
	"context"
	"time"

	"github.com/k4Y53N/nanoServer/adapter"
	"github.com/k4Y53N/nanoServer/log"
	"github.com/k4Y53N/nanoServer/types"
)

// register binds every command handler, the session hooks and the frame routine.
func (a *App) register() {
	d := a.dispatcher
	d.RegisterFunc(types.CmdReset, a.handleReset)
	d.RegisterFunc(types.CmdGetSysInfo, a.handleGetSysInfo)
	d.RegisterFunc(types.CmdGetConfigs, a.handleGetConfigs)
	d.RegisterFunc(types.CmdGetConfig, a.handleGetConfig)
	d.RegisterFunc(types.CmdSetInfer, a.handleSetInfer)
	d.RegisterFunc(types.CmdSetStream, a.handleSetStream)
	d.RegisterFunc(types.CmdSetQuality, a.handleSetQuality)
	d.RegisterFunc(types.CmdSetConfig, a.handleSetConfig)
	d.RegisterFunc(types.CmdMove, a.handleMove)

	d.OnEnter(a.clientEntered)
	d.OnExit(a.clientExited)
	d.SetRoutine(a.produceFrame)
}

// handleReset returns the pipeline and motion to their idle state.
// The session stays open.
func (a *App) handleReset(ctx context.Context, _ types.Message) (types.Message, error) {
	a.pipeline.Reset()
	if err := a.motion.Reset(ctx); err != nil {
		return nil, err
	}
	a.logger.Info("reset", nil)
	return nil, nil
}

func (a *App) handleGetSysInfo(context.Context, types.Message) (types.Message, error) {
	flags := a.pipeline.Flags()
	w, h := a.pipeline.Quality()
	return types.SysInfo(flags.Inferring, flags.Streaming, w, h), nil
}

func (a *App) handleGetConfigs(context.Context, types.Message) (types.Message, error) {
	return types.ConfigsReply(a.detector.Configs()), nil
}

func (a *App) handleGetConfig(context.Context, types.Message) (types.Message, error) {
	return types.ConfigReply(a.detector.Active()), nil
}

func (a *App) handleSetInfer(_ context.Context, msg types.Message) (types.Message, error) {
	var req types.SetInferRequest
	if err := types.Decode(msg, &req); err != nil {
		return nil, err
	}
	a.logger.Info("set infer", map[string]any{"infer": req.Infer})
	a.pipeline.SetInfer(req.Infer)
	return nil, nil
}

func (a *App) handleSetStream(_ context.Context, msg types.Message) (types.Message, error) {
	var req types.SetStreamRequest
	if err := types.Decode(msg, &req); err != nil {
		return nil, err
	}
	a.logger.Info("set stream", map[string]any{"stream": req.Stream})
	a.pipeline.SetStream(req.Stream)
	return nil, nil
}

// handleSetQuality applies an in-range resolution. Out-of-range requests are
// ignored without a reply.
func (a *App) handleSetQuality(_ context.Context, msg types.Message) (types.Message, error) {
	var req types.SetQualityRequest
	if err := types.Decode(msg, &req); err != nil {
		return nil, err
	}
	fields := map[string]any{"width": req.Width, "height": req.Height}
	if !a.opts.Quality.Allows(req.Width, req.Height) {
		a.logger.Warn("quality out of range, ignored", fields)
		return nil, nil
	}
	a.logger.Info("set quality", fields)
	return nil, a.pipeline.SetQuality(req.Width, req.Height)
}

func (a *App) handleSetConfig(_ context.Context, msg types.Message) (types.Message, error) {
	var req types.SetConfigRequest
	if err := types.Decode(msg, &req); err != nil {
		return nil, err
	}
	accepted := a.pipeline.SetConfig(req.Config)
	a.logger.Info("set config", map[string]any{"config": req.Config, "accepted": accepted})
	return nil, nil
}

func (a *App) handleMove(ctx context.Context, msg types.Message) (types.Message, error) {
	req, err := types.DecodeMove(msg)
	if err != nil {
		return nil, err
	}
	return nil, a.motion.Set(ctx, req.R, req.Theta)
}

func (a *App) clientEntered(_ context.Context, session types.Session) {
	a.logger.Info("client entered", map[string]any{
		log.FieldSessionID:  session.ID,
		log.FieldClientAddr: session.Address.String(),
	})
	a.notify(&adapter.SessionEvent{
		EventType:  adapter.EventClientConnected,
		SessionID:  session.ID,
		ClientAddr: session.Address.String(),
		Timestamp:  session.ConnectedAt.UTC().Format(time.RFC3339Nano),
	})
}

// clientExited stops streaming and motion so the next client starts idle.
func (a *App) clientExited(ctx context.Context, session types.Session, reason types.DisconnectReason) {
	a.pipeline.Reset()
	if err := a.motion.Reset(ctx); err != nil {
		a.logger.Error("motion reset failed", map[string]any{"error": err.Error()})
	}
	a.logger.Info("client exited", map[string]any{
		log.FieldSessionID:  session.ID,
		log.FieldClientAddr: session.Address.String(),
		"reason":            string(reason),
	})
	a.notify(&adapter.SessionEvent{
		EventType:  adapter.EventClientDisconnected,
		SessionID:  session.ID,
		ClientAddr: session.Address.String(),
		Reason:     string(reason),
		DurationMs: time.Since(session.ConnectedAt).Milliseconds(),
	})
}

// produceFrame builds the next FRAME message, or nil when none is ready.
func (a *App) produceFrame(ctx context.Context) (types.Message, error) {
	frame := a.pipeline.Get(ctx)
	if !frame.Available() {
		return nil, nil
	}
	return types.FrameReply(frame), nil
}

func (a *App) notify(ev *adapter.SessionEvent) {
	if a.notifier == nil {
		return
	}
	ev.ServerAddr = a.server.Addr().String()
	ev.Version = a.opts.Version
	a.notifier.Notify(ev)
}
