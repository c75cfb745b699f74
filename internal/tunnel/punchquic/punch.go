package punchquic

import (
	"context"
	"fmt"
	"net"
	"time"
)

const punchInterval = 1 * time.Second

// punch opens target's NAT binding by repeatedly sending empty datagrams at
// it until one arrives back, then sends one more and returns. Both peers
// run this symmetrically and whichever side's first inbound packet wins
// ends the loop for that side; by the time it returns the path in both
// directions is open for the QUIC handshake that follows immediately after,
// reusing the same socket.
func punch(ctx context.Context, conn *net.UDPConn, target *net.UDPAddr) error {
	stop := make(chan struct{})
	defer close(stop)
	sendErr := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(punchInterval)
		defer ticker.Stop()
		for {
			if _, err := conn.WriteToUDP(nil, target); err != nil {
				sendErr <- fmt.Errorf("punchquic: send punching packet: %w", err)
				return
			}
			select {
			case <-ticker.C:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	recvDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			recvDone <- fmt.Errorf("punchquic: clear read deadline: %w", err)
			return
		}
		if _, _, err := conn.ReadFromUDP(buf); err != nil {
			recvDone <- fmt.Errorf("punchquic: receive punching packet: %w", err)
			return
		}
		if _, err := conn.WriteToUDP(nil, target); err != nil {
			recvDone <- fmt.Errorf("punchquic: send final punching packet: %w", err)
			return
		}
		recvDone <- nil
	}()

	select {
	case err := <-recvDone:
		return err
	case err := <-sendErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
