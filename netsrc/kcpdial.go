package netsrc

import (
	"crypto/sha1"
	"time"

	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"
	"golang.org/x/crypto/pbkdf2"

	"github.com/xtaci/bifurcator/bifurcator"
)

// kdfSalt matches the teacher's key-derivation salt so a bifurcator tunnel
// dialed here can talk to an unmodified kcptun server.
const kdfSalt = "kcp-go"

// DialConfig names the pieces of client/main.go's connection setup that
// matter for opening a single multiplexed stream: everything else (KCP
// window sizes, MTU, nodelay tuning) keeps kcp-go/smux's defaults.
type DialConfig struct {
	RemoteAddr string
	Key        string
	// Crypt is "aes" (the default) or "none"; see blockCrypt.
	Crypt string

	DataShard   int
	ParityShard int

	SmuxVersion       int
	MaxReceiveBuffer  int
	MaxStreamBuffer   int
	MaxFrameSize      int
	KeepAliveInterval time.Duration
}

func (c DialConfig) withDefaults() DialConfig {
	if c.SmuxVersion == 0 {
		c.SmuxVersion = 1
	}
	if c.MaxReceiveBuffer == 0 {
		c.MaxReceiveBuffer = 4194304
	}
	if c.MaxStreamBuffer == 0 {
		c.MaxStreamBuffer = 2097152
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = 4096
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 10 * time.Second
	}
	return c
}

// DialKCPSmuxStream dials a KCP session to cfg.RemoteAddr, negotiates a smux
// session over it, opens exactly one stream, and wraps that stream as a
// bifurcator.Source. Closing the returned source (whether cleanly or via a
// BifurcationFailure) closes the stream but leaves the underlying KCP
// session and smux session open; neither is returned to the caller.
func DialKCPSmuxStream(cfg DialConfig) (bifurcator.Source, error) {
	cfg = cfg.withDefaults()

	var block kcp.BlockCrypt
	if cfg.Key != "" {
		pass := pbkdf2.Key([]byte(cfg.Key), []byte(kdfSalt), 4096, 32, sha1.New)
		var err error
		block, err = blockCrypt(cfg.Crypt, pass)
		if err != nil {
			return nil, err
		}
	}

	conn, err := kcp.DialWithOptions(cfg.RemoteAddr, block, cfg.DataShard, cfg.ParityShard)
	if err != nil {
		return nil, errors.Wrap(err, "netsrc: dial kcp")
	}
	conn.SetStreamMode(true)
	conn.SetWriteDelay(false)

	smuxConfig := smux.DefaultConfig()
	smuxConfig.Version = cfg.SmuxVersion
	smuxConfig.MaxReceiveBuffer = cfg.MaxReceiveBuffer
	smuxConfig.MaxStreamBuffer = cfg.MaxStreamBuffer
	smuxConfig.MaxFrameSize = cfg.MaxFrameSize
	smuxConfig.KeepAliveInterval = cfg.KeepAliveInterval
	if err := smux.VerifyConfig(smuxConfig); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "netsrc: smux config")
	}

	session, err := smux.Client(conn, smuxConfig)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "netsrc: negotiate smux session")
	}

	stream, err := session.OpenStream()
	if err != nil {
		_ = session.Close()
		_ = conn.Close()
		return nil, errors.Wrap(err, "netsrc: open smux stream")
	}

	return FromConn(stream, false), nil
}
