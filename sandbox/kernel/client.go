//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatexcel/datalab/log"
	"github.com/chatexcel/datalab/sandbox"
)

// ConnectionInfo describes how to reach a running kernel gateway.
type ConnectionInfo struct {
	Host             string
	Port             int
	Token            string
	KernelName       string
	WaitReadyTimeout time.Duration
}

// Client talks to a single kernel over the gateway's websocket channel.
type Client struct {
	connectionInfo   ConnectionInfo
	baseURL          string
	wsURL            string
	httpClient       *http.Client
	kernelID         string
	ws               *websocket.Conn
	sessionID        string
	waitReadyTimeout time.Duration
}

type kernelSpec struct {
	Argv          []string `json:"argv"`
	DisplayName   string   `json:"display_name"`
	Language      string   `json:"language"`
	InterruptMode string   `json:"interrupt_mode"`
}

type kernelInfo struct {
	Name string     `json:"name"`
	Spec kernelSpec `json:"spec"`
}

type kernelSpecResponse struct {
	Specs map[string]kernelInfo `json:"kernelspecs"`
}

type executionMessage struct {
	Header struct {
		MsgType string `json:"msg_type"`
		MsgID   string `json:"msg_id"`
	} `json:"header"`
	Content      map[string]any `json:"content"`
	Metadata     map[string]any `json:"metadata"`
	ParentHeader struct {
		MsgID string `json:"msg_id"`
	} `json:"parent_header"`
}

// NewClient verifies the requested kernel spec exists, starts a kernel
// and opens its websocket channel.
func NewClient(connectionInfo ConnectionInfo) (*Client, error) {
	baseURL := fmt.Sprintf("http://%s:%d", connectionInfo.Host, connectionInfo.Port)
	c := &Client{
		connectionInfo: connectionInfo,
		baseURL:        baseURL,
		httpClient: &http.Client{
			Timeout: 3 * time.Second,
		},
		waitReadyTimeout: 10 * time.Second,
	}
	if connectionInfo.WaitReadyTimeout.Seconds() > 0 {
		c.waitReadyTimeout = connectionInfo.WaitReadyTimeout
	}

	availableKernels, err := c.listKernelSpecs()
	if err != nil {
		return nil, err
	}

	if _, ok := availableKernels.Specs[connectionInfo.KernelName]; !ok {
		return nil, fmt.Errorf("kernel %s not found", connectionInfo.KernelName)
	}

	c.kernelID, err = c.startKernel(connectionInfo.KernelName)
	if err != nil {
		return nil, err
	}

	c.wsURL = fmt.Sprintf("ws://%s:%d/api/kernels/%s/channels", c.connectionInfo.Host, c.connectionInfo.Port, c.kernelID)
	ws, _, err := websocket.DefaultDialer.Dial(c.wsURL, c.authHeader())
	if err != nil {
		return nil, err
	}

	c.ws = ws
	c.sessionID = uuid.New().String()
	ready, err := c.waitForReady()
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, fmt.Errorf("kernel not ready")
	}

	return c, nil
}

// Execute runs one unit of code and collects its streams until the
// kernel goes idle. A raise inside the code is reported through
// RunOutcome.Err; the error return is reserved for channel faults.
func (c *Client) Execute(ctx context.Context, code string) (sandbox.RunOutcome, error) {
	if c.ws == nil {
		return sandbox.RunOutcome{}, fmt.Errorf("websocket is nil")
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.ws.SetReadDeadline(deadline); err != nil {
			return sandbox.RunOutcome{}, err
		}
		defer c.ws.SetReadDeadline(time.Time{})
	}

	msgID, err := c.sendMessage(map[string]any{
		"code":             code,
		"silent":           false,
		"store_history":    true,
		"user_expressions": map[string]any{},
		"allow_stdin":      false,
		"stop_on_error":    true,
	}, "shell", "execute_request")
	if err != nil {
		return sandbox.RunOutcome{}, err
	}

	var out sandbox.RunOutcome
	var stdout, stderr strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sandbox.RunOutcome{}, ctx.Err()
		default:
		}
		var message executionMessage
		if err := c.ws.ReadJSON(&message); err != nil {
			c.recoverChannel()
			return sandbox.RunOutcome{}, err
		}
		if message.Header.MsgType == "" {
			return sandbox.RunOutcome{}, fmt.Errorf("message is nil")
		}
		if message.ParentHeader.MsgID != msgID {
			continue
		}
		msgType := message.Header.MsgType
		content := message.Content
		if msgType == "status" && content["execution_state"] == "idle" {
			break
		}
		switch msgType {
		case "stream":
			text, _ := content["text"].(string)
			if name, _ := content["name"].(string); name == "stderr" {
				stderr.WriteString(text)
			} else {
				stdout.WriteString(text)
			}
		case "error":
			name, _ := content["ename"].(string)
			value, _ := content["evalue"].(string)
			out.Err = &sandbox.RunError{Name: name, Message: value}
		}
	}
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	return out, nil
}

// recoverChannel re-establishes the websocket after a read fault. A
// gorilla connection is dead once any read errors, so a timed-out run
// would otherwise brick the channel for good. The kernel may still be
// chewing on the old code, so it is interrupted first; leftover
// messages from that run are dropped by the parent msg_id filter on
// the next Execute.
func (c *Client) recoverChannel() {
	if err := c.interruptKernel(); err != nil {
		log.Warnf("interrupt kernel %s: %v", c.kernelID, err)
	}
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	ws, _, err := websocket.DefaultDialer.Dial(c.wsURL, c.authHeader())
	if err != nil {
		log.Warnf("redial kernel channel: %v", err)
		return
	}
	c.ws = ws
}

// interruptKernel asks the gateway to interrupt the running kernel.
func (c *Client) interruptKernel() error {
	url := fmt.Sprintf("%s/api/kernels/%s/interrupt", c.baseURL, c.kernelID)
	req, err := http.NewRequest("POST", url, nil)
	if err != nil {
		return err
	}
	if c.connectionInfo.Token != "" {
		req.Header.Set("Authorization", "token "+c.connectionInfo.Token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("interrupt kernel: %s", resp.Status)
	}
	return nil
}

func (c *Client) authHeader() http.Header {
	if c.connectionInfo.Token == "" {
		return nil
	}
	return http.Header{
		"Authorization": []string{"token " + c.connectionInfo.Token},
	}
}

// listKernelSpecs lists all available kernel specs.
func (c *Client) listKernelSpecs() (kernelSpecResponse, error) {
	url := fmt.Sprintf("%s/api/kernelspecs", c.baseURL)

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return kernelSpecResponse{}, err
	}

	if c.connectionInfo.Token != "" {
		req.Header.Set("Authorization", "token "+c.connectionInfo.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return kernelSpecResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return kernelSpecResponse{}, fmt.Errorf("failed to list kernelspecs: %s", resp.Status)
	}

	var kernelSpecs kernelSpecResponse
	if err := json.NewDecoder(resp.Body).Decode(&kernelSpecs); err != nil {
		return kernelSpecResponse{}, err
	}

	return kernelSpecs, nil
}

// startKernel starts a new kernel with the given name.
func (c *Client) startKernel(kernelName string) (string, error) {
	url := fmt.Sprintf("%s/api/kernels", c.baseURL)

	type KernelRequest struct {
		Name string `json:"name"`
	}

	type KernelResponse struct {
		ID string `json:"id"`
	}

	body, err := json.Marshal(KernelRequest{Name: kernelName})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest("POST", url, bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.connectionInfo.Token != "" {
		req.Header.Set("Authorization", "token "+c.connectionInfo.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("failed to start kernel: %s", resp.Status)
	}

	var kernelResp KernelResponse
	if err := json.NewDecoder(resp.Body).Decode(&kernelResp); err != nil {
		return "", err
	}

	return kernelResp.ID, nil
}

func (c *Client) waitForReady() (bool, error) {
	msgID, err := c.sendMessage(map[string]any{}, "shell", "kernel_info_request")
	if err != nil {
		return false, err
	}

	timeout := time.After(c.waitReadyTimeout)
	for {
		select {
		case <-timeout:
			return false, fmt.Errorf("wait for kernel ready timeout")
		default:
		}
		var message executionMessage
		if err := c.ws.ReadJSON(&message); err != nil {
			return false, err
		}

		if message.Header.MsgType == "kernel_info_reply" && message.ParentHeader.MsgID == msgID {
			return true, nil
		}
	}
}

// sendMessage sends a message to the kernel.
func (c *Client) sendMessage(content map[string]any, channel string, messageType string) (string, error) {
	timestamp := time.Now().Format(time.RFC3339)
	messageID := uuid.New().String()
	message := map[string]any{
		"header": map[string]any{
			"username": "datalab",
			"version":  "5.0",
			"session":  c.sessionID,
			"msg_id":   messageID,
			"msg_type": messageType,
			"date":     timestamp,
		},
		"parent_header": map[string]any{},
		"metadata":      map[string]any{},
		"content":       content,
		"buffers":       []any{},
		"channel":       channel,
	}
	if c.ws == nil {
		return "", fmt.Errorf("websocket is nil")
	}
	if err := c.ws.WriteJSON(message); err != nil {
		return "", err
	}

	return messageID, nil
}

// Close closes the kernel channel.
func (c *Client) Close() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}
