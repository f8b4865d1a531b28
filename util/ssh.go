// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// Console represents an SSH console instance.
type Console struct {
	// Banner is the login welcome banner
	Banner string
	// Help returns the `help` command output
	Help func(*term.Terminal) string
	// Handler is the terminal command handler
	Handler func(*term.Terminal, string) error
	// Term is the terminal instance of the last session
	Term *term.Terminal
	// Log is the optional logger, when nil logrus.StandardLogger is used
	Log *logrus.Logger
}

func (c *Console) log() *logrus.Logger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}

	return c.Log
}

func (c *Console) session(conn io.ReadWriteCloser) {
	defer conn.Close()

	t := term.NewTerminal(conn, "")
	t.SetPrompt(string(t.Escape.Red) + "> " + string(t.Escape.Reset))
	c.Term = t

	log := c.log()
	out := log.Out

	log.SetOutput(io.MultiWriter(out, t))
	defer log.SetOutput(out)

	fmt.Fprintf(t, "%s\n", c.Banner)

	if c.Help != nil {
		fmt.Fprintf(t, "%s\n", string(t.Escape.Cyan)+c.Help(t)+string(t.Escape.Reset))
	}

	for {
		cmd, err := t.ReadLine()

		if err == io.EOF {
			break
		}

		if err != nil {
			log.Warnf("readline error, %v", err)
			continue
		}

		if err = c.Handler(t, cmd); err == io.EOF {
			break
		}

		if err != nil {
			fmt.Fprintf(t, "error: %v\n", err)
		}
	}

	log.Infof("closing ssh session")
}

// setSize applies a terminal size from the width and height found at the
// start of buf.
func (c *Console) setSize(buf []byte) bool {
	if len(buf) < 8 || c.Term == nil {
		return false
	}

	w := binary.BigEndian.Uint32(buf)
	h := binary.BigEndian.Uint32(buf[4:])

	return c.Term.SetSize(int(w), int(h)) == nil
}

func (c *Console) handleChannel(newChannel ssh.NewChannel) {
	if t := newChannel.ChannelType(); t != "session" {
		_ = newChannel.Reject(ssh.UnknownChannelType, fmt.Sprintf("unknown channel type: %s", t))
		return
	}

	conn, requests, err := newChannel.Accept()

	if err != nil {
		c.log().Warnf("error accepting channel, %v", err)
		return
	}

	go c.session(conn)

	go func() {
		for req := range requests {
			switch req.Type {
			case "shell":
				// payload commands are not accepted
				_ = req.Reply(len(req.Payload) == 0, nil)
			case "pty-req":
				// p10, 6.2.  Requesting a Pseudo-Terminal, RFC4254
				if len(req.Payload) < 4 {
					continue
				}

				n := 4 + int(req.Payload[3])

				if len(req.Payload) >= n {
					_ = req.Reply(c.setSize(req.Payload[n:]), nil)
				}
			case "window-change":
				// p10, 6.7.  Window Dimension Change Message, RFC4254
				c.setSize(req.Payload)
			}
		}
	}()
}

func (c *Console) listen(listener net.Listener, srv *ssh.ServerConfig) {
	log := c.log()

	for {
		conn, err := listener.Accept()

		if err != nil {
			log.Warnf("error accepting connection, %v", err)
			continue
		}

		sshConn, chans, reqs, err := ssh.NewServerConn(conn, srv)

		if err != nil {
			log.Warnf("error accepting handshake, %v", err)
			continue
		}

		log.Infof("new ssh connection from %s (%s)", sshConn.RemoteAddr(), sshConn.ClientVersion())

		go ssh.DiscardRequests(reqs)

		go func() {
			for newChannel := range chans {
				c.handleChannel(newChannel)
			}
		}()
	}
}

// Start instantiates an SSH console on the given listener.
func (c *Console) Start(listener net.Listener) (err error) {
	srv := &ssh.ServerConfig{
		NoClientAuth: true,
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	if err != nil {
		return fmt.Errorf("private key generation error, %v", err)
	}

	signer, err := ssh.NewSignerFromKey(key)

	if err != nil {
		return fmt.Errorf("key conversion error, %v", err)
	}

	c.log().Infof("starting ssh server (%s)", ssh.FingerprintSHA256(signer.PublicKey()))

	srv.AddHostKey(signer)

	go c.listen(listener, srv)

	return
}
