package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/prayer-meetups/internal/api"
	"github.com/npezzotti/prayer-meetups/internal/chatclient"
	"github.com/npezzotti/prayer-meetups/internal/types"
)

var (
	serverURL string
	email     string
	password  string
	prayerId  int
)

func login(client *http.Client, base string) (types.User, error) {
	body, err := json.Marshal(api.LoginRequest{Email: email, Password: password})
	if err != nil {
		return types.User{}, err
	}

	resp, err := client.Post(base+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return types.User{}, fmt.Errorf("login: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.User{}, fmt.Errorf("login: unexpected status %s", resp.Status)
	}

	resp, err = client.Get(base + "/api/user")
	if err != nil {
		return types.User{}, fmt.Errorf("get user: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.User{}, fmt.Errorf("get user: unexpected status %s", resp.Status)
	}

	var user types.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return types.User{}, fmt.Errorf("decode user: %w", err)
	}

	return user, nil
}

func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	return u.String(), nil
}

func printMessage(msg types.ChatMessage) {
	fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Local().Format(time.Kitchen), msg.User.Name, msg.Content)
}

func main() {
	flag.StringVar(&serverURL, "server", "http://localhost:8000", "prayer meetups server URL")
	flag.StringVar(&email, "email", "", "account email")
	flag.StringVar(&password, "password", "", "account password")
	flag.IntVar(&prayerId, "prayer", 0, "id of the prayer meetup to chat in")
	flag.Parse()

	logger := log.New(os.Stderr, "[chatclient] ", log.LstdFlags)

	if email == "" || password == "" || prayerId <= 0 {
		flag.Usage()
		os.Exit(2)
	}
	base := strings.TrimSuffix(serverURL, "/")

	jar, err := cookiejar.New(nil)
	if err != nil {
		logger.Fatal("cookie jar:", err)
	}
	httpClient := &http.Client{Jar: jar, Timeout: 10 * time.Second}

	user, err := login(httpClient, base)
	if err != nil {
		logger.Fatal(err)
	}

	endpoint, err := wsURL(base)
	if err != nil {
		logger.Fatal("server url:", err)
	}

	m := chatclient.NewManager(chatclient.Options{
		URL:       endpoint,
		Dialer:    &websocket.Dialer{Jar: jar, HandshakeTimeout: 10 * time.Second},
		UserId:    user.Id,
		PrayerId:  prayerId,
		OnMessage: printMessage,
		OnEvent: func(msg types.ServerMessage) {
			if msg.Type == types.MessageTypeError {
				fmt.Println("error:", msg.Error)
			}
		},
	}, logger)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := m.LoadHistory(ctx, httpClient, base); err != nil {
		logger.Println("load history:", err)
	}
	cancel()

	for _, msg := range m.Messages() {
		printMessage(msg)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := m.Send(line); err != nil {
				logger.Println("send:", err)
				return
			}
		case <-m.Done():
			logger.Println("connection lost")
			return
		case sig := <-sigs:
			logger.Printf("received signal: %s\n", sig)
			return
		}
	}
}
