/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Seednode/mindbinder/internal/game"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const writeWait = 10 * time.Second

type LearnedMessage struct {
	Type  string `json:"type"`
	Item  string `json:"item"`
	Items int    `json:"items"`
}

type Client struct {
	conn *websocket.Conn
	send chan any
}

// Feed fans learned items out to every connected browser.
type Feed struct {
	clients map[*Client]bool

	register  chan *Client
	unreg     chan *Client
	broadcast chan any
	done      chan struct{}
}

func newFeed() *Feed {
	return &Feed{
		clients:   make(map[*Client]bool),
		register:  make(chan *Client),
		unreg:     make(chan *Client),
		broadcast: make(chan any, 16),
		done:      make(chan struct{}),
	}
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)
	defer f.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-f.register:
			f.clients[c] = true
		case c := <-f.unreg:
			if f.clients[c] {
				delete(f.clients, c)
				close(c.send)
			}
		case msg := <-f.broadcast:
			for c := range f.clients {
				select {
				case c.send <- msg:
				default:
					// Too slow to keep up; it can reconnect.
					delete(f.clients, c)
					close(c.send)
				}
			}
		}
	}
}

func (f *Feed) closeAll() {
	for c := range f.clients {
		delete(f.clients, c)
		close(c.send)
	}
}

// publish never blocks once the feed has stopped.
func (f *Feed) publish(l game.Learned) {
	msg := LearnedMessage{Type: "learned", Item: l.Item, Items: l.Items}

	select {
	case f.broadcast <- msg:
	case <-f.done:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func serveFeed(cfg *Config, f *Feed) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "SERVE: Feed upgrade for %s failed: %v", realIP(r), err)

			return
		}

		c := &Client{
			conn: conn,
			send: make(chan any, 8),
		}

		select {
		case f.register <- c:
		case <-f.done:
			_ = conn.Close()

			return
		}

		logf(cfg, "SERVE: Feed opened for %s", realIP(r))

		go c.writePump()
		c.readPump(f)

		logf(cfg, "SERVE: Feed closed for %s", realIP(r))
	}
}

// readPump only watches for the browser going away.
func (c *Client) readPump(f *Feed) {
	defer func() {
		select {
		case f.unreg <- c:
		case <-f.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	// Clear the deadline the server set for reading the upgrade request.
	_ = c.conn.SetReadDeadline(time.Time{})

	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(writeWait))
}

// serveQR renders a PNG QR code pointing other players at this game.
func serveQR(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		scheme := cfg.scheme()
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + strings.TrimSuffix(r.URL.Path, "/qr") + "/"

		const qrSize = 320
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			writeJSON(cfg, w, http.StatusInternalServerError, errorResponse{Error: "qr generation failed"})

			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		securityHeaders(cfg, w)

		_, err = w.Write(png)
		if err != nil {
			errs <- err

			return
		}
	}
}
