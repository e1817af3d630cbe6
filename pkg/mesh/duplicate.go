package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/votemesh/votemesh/pkg/codec"
	"github.com/votemesh/votemesh/pkg/model"
	"github.com/votemesh/votemesh/pkg/transport/ws"
)

const (
	// duplicateProbeTimeout bounds the whole startup probe
	duplicateProbeTimeout = 10 * time.Second
	// duplicateProbePeerTimeout bounds the probe of one seed
	duplicateProbePeerTimeout = 5 * time.Second
)

// ErrDuplicateNode is returned when the startup probe finds our chosen
// name already active in the mesh.
type ErrDuplicateNode struct {
	NodeID string
	Via    string
}

func (e *ErrDuplicateNode) Error() string {
	return fmt.Sprintf("node name %q is already active in the mesh (reported via %s)", e.NodeID, e.Via)
}

// CheckForDuplicates probes each seed peer with a transient validator link
// before this node joins the mesh. It returns an *ErrDuplicateNode if any
// seed knows a peer with our name, or if any handshake traffic claims it.
// Probe connection failures are not duplicates.
func CheckForDuplicates(ctx context.Context, nodeID string, seeds []string, logger *slog.Logger) error {
	if len(seeds) == 0 {
		return nil
	}
	logger = logger.With("component", "duplicate probe")

	ctx, cancel := context.WithTimeout(ctx, duplicateProbeTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, seed := range seeds {
		addr := seed
		g.Go(func() error {
			return probeSeed(ctx, nodeID, addr, logger)
		})
	}
	return g.Wait()
}

// probeSeed opens one transient validator link and inspects the peer list
// it returns.
func probeSeed(ctx context.Context, nodeID, addr string, logger *slog.Logger) error {
	host, port, err := splitAddress(addr)
	if err != nil {
		logger.Debug("skipping unparseable seed", "address", addr)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, duplicateProbePeerTimeout)
	defer cancel()

	link, err := ws.Dial(ctx, host, port, logger)
	if err != nil {
		// an unreachable seed cannot vouch for a duplicate
		logger.Debug("probe connection failed", "address", addr, "error", err.Error())
		return nil
	}
	defer link.Close()

	validatorID := fmt.Sprintf("validator_%d", time.Now().UnixMilli())
	if err := link.Send(&model.PeerExchangeRequest{
		Type:         model.TypePeerExchangeRequest,
		From:         validatorID,
		IsValidation: true,
	}); err != nil {
		logger.Debug("probe send failed", "address", addr, "error", err.Error())
		return nil
	}

	frames := make(chan *codec.Envelope, 8)
	go link.ReadLoop(
		func(env *codec.Envelope) {
			select {
			case frames <- env:
			default:
			}
		},
		func(error) { close(frames) },
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-frames:
			if !ok {
				return nil
			}
			dup, via := frameClaimsIdentity(env, nodeID)
			if dup {
				return &ErrDuplicateNode{NodeID: nodeID, Via: fmt.Sprintf("%s %s", addr, via)}
			}
			if env.Type == model.TypePeerExchangeResponse {
				// the answer arrived and was clean; this seed is done
				return nil
			}
		}
	}
}

// frameClaimsIdentity reports whether a probe frame proves our name is
// taken, and by which message.
func frameClaimsIdentity(env *codec.Envelope, nodeID string) (bool, string) {
	switch env.Type {
	case model.TypePeerExchangeResponse:
		msg := &model.PeerExchangeResponse{}
		if err := env.Decode(msg); err != nil {
			return false, ""
		}
		if msg.From == nodeID {
			return true, "peer exchange response"
		}
		for _, p := range msg.Peers {
			if p.NodeID == nodeID {
				return true, "peer list"
			}
		}
	case model.TypeHandshake:
		msg := &model.Handshake{}
		if err := env.Decode(msg); err != nil {
			return false, ""
		}
		if msg.From == nodeID {
			return true, "handshake"
		}
	case model.TypeHandshakeAck:
		msg := &model.HandshakeAck{}
		if err := env.Decode(msg); err != nil {
			return false, ""
		}
		if msg.From == nodeID {
			return true, "handshake ack"
		}
	}
	return false, ""
}
