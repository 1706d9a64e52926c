// Command ingest-file streams a local audio file into a running relay over
// the ingest WebSocket, pacing chunks on a fixed interval. It is the smoke
// test for a deployment: point it at a capture file and listen on the live
// endpoint the relay reports.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	serverURL := flag.String("url", "ws://127.0.0.1:8080/v1/ingest", "relay ingest endpoint")
	filePath := flag.String("file", "", "audio file to stream")
	format := flag.String("format", "container-webm", "source format (raw-pcm, container-webm, container-ogg, raw-opus)")
	rate := flag.Int("rate", 0, "sample rate for raw-pcm sources")
	channels := flag.Int("channels", 0, "channel count for raw-pcm sources")
	legs := flag.String("legs", "", "comma separated leg override (file,fanout,network)")
	key := flag.String("key", "", "ingest key token")
	chunkBytes := flag.Int("chunk-bytes", 4096, "bytes per WebSocket frame")
	interval := flag.Duration("interval", 50*time.Millisecond, "delay between frames")
	flag.Parse()

	if *filePath == "" {
		fatalf("--file is required")
	}
	file, err := os.Open(*filePath)
	if err != nil {
		fatalf("open file: %v", err)
	}
	defer file.Close()

	target, err := url.Parse(*serverURL)
	if err != nil {
		fatalf("parse url: %v", err)
	}
	query := target.Query()
	query.Set("format", *format)
	if *rate > 0 {
		query.Set("rate", strconv.Itoa(*rate))
	}
	if *channels > 0 {
		query.Set("channels", strconv.Itoa(*channels))
	}
	if *legs != "" {
		query.Set("legs", *legs)
	}
	target.RawQuery = query.Encode()

	header := http.Header{}
	if *key != "" {
		header.Set("Authorization", "Bearer "+*key)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(target.String(), header)
	if err != nil {
		fatalf("dial relay: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// The relay announces the session ID right after admission; surface it
	// so the operator can open /v1/live/{id}. The goroutine is the sole
	// reader and exits when the relay closes the connection.
	done := make(chan struct{})
	go readControlFrames(conn, done)

	buf := make([]byte, *chunkBytes)
	var sent int64
	for {
		n, err := file.Read(buf)
		if n > 0 {
			if err := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
				fatalf("write chunk: %v", err)
			}
			sent += int64(n)
			time.Sleep(*interval)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			fatalf("read file: %v", err)
		}
	}

	stop, _ := json.Marshal(map[string]string{"action": "stop"})
	if err := conn.WriteMessage(websocket.TextMessage, stop); err != nil {
		fatalf("send stop: %v", err)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
	}
	fmt.Printf("streamed %d bytes from %s\n", sent, *filePath)
}

func readControlFrames(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var msg struct {
			Event     string `json:"event"`
			SessionID string `json:"sessionId"`
		}
		if json.Unmarshal(payload, &msg) == nil && msg.Event == "admitted" {
			fmt.Printf("session %s admitted\n", msg.SessionID)
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
