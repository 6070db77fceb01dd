package aircloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// closeGracePeriod bounds the close frame write on the way out.
const closeGracePeriod = time.Second

// LoadClimateData subscribes to the family's notification destination and
// returns the device list carried by the first state message.
//
// A nil slice with a nil error means no data arrived this cycle (timeout,
// peer close, no state message, dial failure or cancellation, including
// cancellation while signing in). A closed
// client returns an empty slice without touching the network. Only token
// failures are returned as errors.
func (c *Client) LoadClimateData(ctx context.Context, familyID ID) ([]DeviceState, error) {
	if c.IsClosed() {
		return []DeviceState{}, nil
	}

	log := c.logger.With(zap.String("family_id", familyID.String()))

	forced := false
	for attempt := 0; attempt <= c.cfg.MaxReauthRetries; attempt++ {
		if err := c.tokens.EnsureFresh(ctx, forced); err != nil {
			if ctx.Err() != nil {
				fetchOutcomes.WithLabelValues("cancelled").Inc()
				log.Debug("AirCloud state fetch abandoned during sign-in", zap.Error(err))
				return nil, nil
			}
			fetchOutcomes.WithLabelValues("auth_error").Inc()
			return nil, err
		}

		states, err := c.subscribeOnce(ctx, familyID)
		switch {
		case err == nil:
			fetchOutcomes.WithLabelValues("data").Inc()
			log.Debug("Received AirCloud climate data", zap.Int("devices", len(states)))
			return states, nil
		case errors.Is(err, ErrProtocolAnomaly):
			fetchOutcomes.WithLabelValues("rejected").Inc()
			log.Warn("AirCloud notification connection rejected, re-authenticating",
				zap.Int("attempt", attempt+1))
			forced = true
			continue
		case errors.Is(err, ErrTransportTimeout):
			fetchOutcomes.WithLabelValues("timeout").Inc()
			log.Warn("AirCloud notification channel timed out", zap.Error(err))
		case errors.Is(err, ErrPeerClosed):
			fetchOutcomes.WithLabelValues("peer_closed").Inc()
			log.Warn("AirCloud notification channel closed by peer", zap.Error(err))
		case errors.Is(err, ErrNoMessage):
			fetchOutcomes.WithLabelValues("exhausted").Inc()
			log.Warn("No valid state message received from AirCloud",
				zap.Int("receives", c.cfg.MaxReceives))
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			fetchOutcomes.WithLabelValues("cancelled").Inc()
			log.Debug("AirCloud state fetch abandoned", zap.Error(err))
		default:
			fetchOutcomes.WithLabelValues("error").Inc()
			log.Error("AirCloud notification channel failed", zap.Error(err))
		}
		return nil, nil
	}

	log.Warn("AirCloud kept rejecting the notification connection after re-authentication",
		zap.Int("retries", c.cfg.MaxReauthRetries))
	return nil, nil
}

// subscribeOnce runs one connect, handshake and receive cycle. The socket is
// closed on every return path.
func (c *Client) subscribeOnce(ctx context.Context, familyID ID) ([]DeviceState, error) {
	opCtx, cancelOp := context.WithCancel(ctx)
	defer cancelOp()
	stopOnClose := context.AfterFunc(c.ctx, cancelOp)
	defer stopOnClose()

	dialCtx, cancelDial := context.WithTimeout(opCtx, c.cfg.ConnectTimeout)
	conn, _, err := c.dialer.DialContext(dialCtx, c.endpoints.WebSocket, nil)
	cancelDial()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: connect: %v", ErrTransportTimeout, err)
		}
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer c.closeConn(conn)

	// Unblocks a pending read when the caller gives up or the client closes.
	stopWatch := context.AfterFunc(opCtx, func() { conn.Close() })
	defer stopWatch()

	handshake := BuildHandshake(c.tokens.AccessToken(), familyID, uuid.NewString())
	conn.SetWriteDeadline(time.Now().Add(c.cfg.ReceiveTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(handshake)); err != nil {
		return nil, c.readError(opCtx, fmt.Errorf("send handshake: %w", err))
	}

	for receive := 1; receive <= c.cfg.MaxReceives; receive++ {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReceiveTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, c.readError(opCtx, err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		for _, frame := range ParseFrames(data) {
			kind := Classify(frame)
			framesReceived.WithLabelValues(kind.String()).Inc()

			switch kind {
			case FrameRejected:
				return nil, ErrProtocolAnomaly
			case FrameMessage:
				states, err := DecodeStates(frame)
				if err != nil {
					c.logger.Warn("Discarding undecodable AirCloud message", zap.Error(err))
					continue
				}
				return states, nil
			case FrameError:
				message, _ := frame.Header(headerMessage)
				c.logger.Warn("AirCloud notification channel sent ERROR frame",
					zap.String("message", message))
			}
		}
	}

	return nil, ErrNoMessage
}

// readError maps a socket error to the taxonomy used by LoadClimateData.
func (c *Client) readError(opCtx context.Context, err error) error {
	if ctxErr := opCtx.Err(); ctxErr != nil {
		return ctxErr
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTransportTimeout, err)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrPeerClosed, err)
	}
	return fmt.Errorf("receive: %w", err)
}

func (c *Client) closeConn(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	conn.Close()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
