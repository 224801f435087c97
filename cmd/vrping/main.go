// vrping is a minimal VR client: it registers with a replica, fires a
// stream of requests, and reports round-trips. Useful for smoke-testing
// a running cluster from the client rail.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"vrnode/internal/config"
	"vrnode/internal/wire"
)

// echoOperation is an arbitrary non-reserved state-machine operation
// tag for the smoke requests.
const echoOperation = wire.OperationRegister + 1

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("vrping", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		addrFlag    = fs.String("addr", "127.0.0.1:3001", "replica address")
		clusterFlag = fs.String("cluster", "", "cluster id (hex)")
		countFlag   = fs.Int("count", 3, "number of requests after registering")
		rateFlag    = fs.Float64("rate", 10, "requests per second")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	log := zerolog.New(stderr).With().Timestamp().Logger()

	cluster, err := config.ParseCluster(*clusterFlag)
	if err != nil {
		fmt.Fprintf(stderr, "vrping: %v\n", err)
		return 2
	}

	conn, err := net.Dial("tcp", *addrFlag)
	if err != nil {
		log.Error().Err(err).Msg("dial failed")
		return 1
	}
	defer conn.Close()

	client := wire.U128(uuid.New())
	log.Info().Str("client", client.String()).Str("addr", *addrFlag).
		Msg("registering")

	register := wire.Header{
		Client:    client,
		Cluster:   cluster,
		Command:   wire.CommandRequest,
		Operation: wire.OperationRegister,
		Version:   wire.VRVersion,
	}
	if err := exchange(conn, register, log); err != nil {
		log.Error().Err(err).Msg("register failed")
		return 1
	}

	limiter := rate.NewLimiter(rate.Limit(*rateFlag), 1)
	for i := 1; i <= *countFlag; i++ {
		if err := limiter.Wait(context.Background()); err != nil {
			return 1
		}
		req := wire.Header{
			Client:    client,
			Cluster:   cluster,
			Request:   uint32(i),
			Command:   wire.CommandRequest,
			Operation: echoOperation,
			Version:   wire.VRVersion,
		}
		// Any non-register request carries a command context.
		var seed [20]byte
		copy(seed[:16], client[:])
		binary.LittleEndian.PutUint32(seed[16:], uint32(i))
		req.Context = wire.ChecksumOf(seed[:])

		if err := exchange(conn, req, log); err != nil {
			log.Error().Err(err).Int("request", i).Msg("request failed")
			return 1
		}
	}
	log.Info().Int("count", *countFlag).Msg("done")
	return 0
}

// exchange sends one header-only request and waits for its reply,
// verifying checksums both ways.
func exchange(conn net.Conn, h wire.Header, log zerolog.Logger) error {
	h.Size = wire.HeaderSize
	h.SetChecksumBody(nil)
	h.SetChecksum()
	if reason := h.Invalid(); reason != "" {
		return fmt.Errorf("refusing to send invalid header: %s", reason)
	}
	buf := h.Encode()
	start := time.Now()
	if _, err := conn.Write(buf[:]); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	var replyBuf [wire.HeaderSize]byte
	if _, err := io.ReadFull(conn, replyBuf[:]); err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	reply := wire.DecodeHeader(replyBuf[:])
	if !reply.ValidChecksum() {
		return fmt.Errorf("reply failed header checksum")
	}
	if reply.Command != wire.CommandReply {
		return fmt.Errorf("unexpected reply command %s", reply.Command)
	}
	if reply.Client != h.Client {
		return fmt.Errorf("reply for wrong client %s", reply.Client)
	}
	if reply.Size != wire.HeaderSize {
		// Replies may carry a body; drain it so the stream stays framed.
		body := make([]byte, reply.Size-wire.HeaderSize)
		if _, err := io.ReadFull(conn, body); err != nil {
			return fmt.Errorf("read reply body: %w", err)
		}
		if !reply.ValidChecksumBody(body) {
			return fmt.Errorf("reply failed body checksum")
		}
	}
	log.Info().Uint32("request", reply.Request).
		Dur("rtt", time.Since(start)).Uint8("replica", reply.Replica).
		Msg("reply")
	return nil
}
