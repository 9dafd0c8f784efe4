package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/shuttle/cli/config"
	"github.com/pithecene-io/shuttle/cli/render"
	"github.com/pithecene-io/shuttle/ipc"
	"github.com/pithecene-io/shuttle/transfer"
	"github.com/pithecene-io/shuttle/types"
)

// StatusResponse is the response for the status command.
type StatusResponse struct {
	Endpoint   string `json:"endpoint" yaml:"endpoint"`
	Version    string `json:"version,omitempty" yaml:"version,omitempty"`
	Compatible *bool  `json:"compatible,omitempty" yaml:"compatible,omitempty"`
	Status     string `json:"status,omitempty" yaml:"status,omitempty"`
	Message    string `json:"message,omitempty" yaml:"message,omitempty"`
}

// StatusCommand returns the status command. --remote queries a sender's
// signal handler for its version; --endpoint queries a consumer's status
// endpoint, and with --reset clears its error state.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Query a sender's version or a consumer's status endpoint",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "remote",
				Usage: "Sender signal handler as host or host:port",
			},
			&cli.StringFlag{
				Name:  "endpoint",
				Usage: "Consumer status endpoint, e.g. tcp://node1:50102 or ipc:///tmp/shuttle/pid_x_status",
			},
			&cli.BoolFlag{
				Name:  "reset",
				Usage: "Reset the consumer status to OK (with --endpoint)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		),
		Action: statusAction,
	}
}

func statusAction(c *cli.Context) error {
	remote, endpoint := c.String("remote"), c.String("endpoint")
	if (remote == "") == (endpoint == "") {
		return cli.Exit("exactly one of --remote or --endpoint is required", 2)
	}
	if c.Bool("reset") && endpoint == "" {
		return cli.Exit("--reset requires --endpoint", 2)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	var resp *StatusResponse
	if remote != "" {
		resp, err = remoteStatus(ctx, remote)
	} else {
		resp, err = consumerStatus(ctx, endpoint, c.Bool("reset"))
	}
	if err != nil {
		return exitError(err)
	}
	return r.Render(resp)
}

func remoteStatus(ctx context.Context, remote string) (*StatusResponse, error) {
	ep, err := remoteEndpoint(remote)
	if err != nil {
		return nil, err
	}
	version, err := transfer.RemoteVersion(ctx, ep)
	if err != nil {
		return nil, err
	}
	compatible := types.CompatibleVersion(version, types.Version)
	return &StatusResponse{Endpoint: ep.String(), Version: version, Compatible: &compatible}, nil
}

// remoteEndpoint accepts host or host:port; the port defaults to the
// standard com port.
func remoteEndpoint(remote string) (ipc.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(remote)
	if err != nil {
		var addrErr *net.AddrError
		if !errors.As(err, &addrErr) || addrErr.Err != "missing port in address" {
			return ipc.Endpoint{}, types.NewError(types.ErrConfiguration, "remote", err)
		}
		return ipc.TCPEndpoint(remote, config.DefaultSignalPort), nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ipc.Endpoint{}, types.NewError(types.ErrConfiguration, "remote", fmt.Errorf("invalid port %q", portStr))
	}
	return ipc.TCPEndpoint(host, port), nil
}

func consumerStatus(ctx context.Context, endpoint string, reset bool) (*StatusResponse, error) {
	ep, err := ipc.ParseEndpoint(endpoint)
	if err != nil {
		return nil, types.NewError(types.ErrConfiguration, "endpoint", err)
	}
	if reset {
		if err := transfer.ResetStatus(ctx, ep); err != nil {
			return nil, err
		}
		return &StatusResponse{Endpoint: ep.String(), Status: types.StatusOK}, nil
	}
	status, err := transfer.CheckStatus(ctx, ep)
	if err != nil {
		return nil, err
	}
	resp := &StatusResponse{Endpoint: ep.String(), Status: status[0]}
	if len(status) > 1 {
		resp.Message = status[1]
	}
	return resp, nil
}
