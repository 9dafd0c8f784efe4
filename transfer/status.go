package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/pithecene-io/shuttle/ipc"
	"github.com/pithecene-io/shuttle/types"
)

// answerStatus replies to one request on the status endpoint.
func (t *Transfer) answerStatus(in inbound) {
	var reply []string
	switch in.msg.Part(0) {
	case types.SignalStatusCheck:
		reply = t.status
	case types.SignalResetStatus:
		t.status = []string{types.StatusOK}
		reply = t.status
	default:
		t.logger.Warn("unsupported status request", map[string]any{"signal": in.msg.Part(0)})
		reply = []string{types.StatusError}
	}
	in.answer(reply...)
}

func (t *Transfer) setStatus(status ...string) {
	t.status = status
}

// Status returns the status reported on the status endpoint.
func (t *Transfer) Status() []string {
	return append([]string(nil), t.status...)
}

// CheckStatus asks a consumer's status endpoint for its status. The reply
// is [OK] or [ERROR, message]. The consumer answers while it is inside
// GetChunk, Get or Store, so ctx should carry a deadline.
func CheckStatus(ctx context.Context, ep ipc.Endpoint) ([]string, error) {
	return statusRequest(ctx, ep, types.SignalStatusCheck)
}

// ResetStatus resets a consumer's status to OK.
func ResetStatus(ctx context.Context, ep ipc.Endpoint) error {
	reply, err := statusRequest(ctx, ep, types.SignalResetStatus)
	if err != nil {
		return err
	}
	if len(reply) == 0 || reply[0] != types.StatusOK {
		return types.NewError(types.ErrCommunication, types.SignalResetStatus, fmt.Errorf("unexpected reply %v", reply))
	}
	return nil
}

func statusRequest(ctx context.Context, ep ipc.Endpoint, signal string) ([]string, error) {
	reply, err := ipc.Request(ctx, ep, []byte(signal))
	if err != nil {
		return nil, types.NewError(types.ErrCommunication, signal, err)
	}
	return replyStrings(signal, reply)
}

// RemoteVersion asks the signal handler at ep for its protocol version.
func RemoteVersion(ctx context.Context, ep ipc.Endpoint) (string, error) {
	conn, err := ipc.Dial(ctx, ep)
	if err != nil {
		return "", types.NewError(types.ErrCommunication, types.SignalGetVersion, err)
	}
	defer conn.Close()
	msg, err := conn.Request(ctx, ipc.Strings(types.SignalGetVersion)...)
	if err != nil {
		return "", types.NewError(types.ErrCommunication, types.SignalGetVersion, err)
	}
	reply, err := replyStrings(types.SignalGetVersion, msg)
	if err != nil {
		return "", err
	}
	if reply[0] != types.SignalGetVersion || len(reply) < 2 {
		return "", types.NewError(types.ErrCommunication, types.SignalGetVersion, fmt.Errorf("unexpected reply %v", reply))
	}
	return reply[1], nil
}

// CloseFile announces the end of file id on a NEXUS file-operation
// endpoint and waits for the echo.
func CloseFile(ctx context.Context, ep ipc.Endpoint, id string) error {
	reply, err := ipc.Request(ctx, ep, []byte(types.SignalCloseFile), []byte(id))
	if err != nil {
		return types.NewError(types.ErrCommunication, types.SignalCloseFile, err)
	}
	if reply.Part(0) != types.SignalCloseFile {
		return types.NewError(types.ErrCommunication, types.SignalCloseFile, fmt.Errorf("unexpected reply %q", reply.Part(0)))
	}
	return nil
}

func replyStrings(signal string, reply ipc.Message) ([]string, error) {
	if len(reply) == 0 {
		return nil, types.NewError(types.ErrCommunication, signal, errors.New("empty reply"))
	}
	out := make([]string, len(reply))
	for i := range reply {
		out[i] = reply.Part(i)
	}
	return out, nil
}
