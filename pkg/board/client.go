package board

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kanbeast/kanbeast/pkg/models"
)

// Client is the worker-side implementation of tools.BoardAPI, talking to the
// board server over its HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(serverURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func (c *Client) GetTicket(ticketID string) (*models.Ticket, error) {
	var t models.Ticket
	if err := c.do(http.MethodGet, "/api/tickets/"+ticketID, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) AppendActivity(ticketID, entry string) error {
	return c.do(http.MethodPost, "/api/tickets/"+ticketID+"/activity",
		map[string]string{"entry": entry}, nil)
}

func (c *Client) AddTask(ticketID, name, description string) (*models.Task, error) {
	var task models.Task
	err := c.do(http.MethodPost, "/api/tickets/"+ticketID+"/tasks",
		map[string]string{"name": name, "description": description}, &task)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) AddSubtask(ticketID, taskName, name, description string) (*models.Subtask, error) {
	var subtask models.Subtask
	err := c.do(http.MethodPost, "/api/tickets/"+ticketID+"/subtasks",
		map[string]string{"taskName": taskName, "name": name, "description": description}, &subtask)
	if err != nil {
		return nil, err
	}
	return &subtask, nil
}

func (c *Client) SetSubtaskStatus(ticketID, subtaskID string, status models.SubtaskStatus) error {
	return c.do(http.MethodPatch, "/api/tickets/"+ticketID+"/subtasks/"+subtaskID+"/status",
		map[string]string{"status": string(status)}, nil)
}

func (c *Client) SetTicketStatus(ticketID string, status models.TicketStatus) error {
	return c.do(http.MethodPatch, "/api/tickets/"+ticketID+"/status",
		map[string]string{"status": string(status)}, nil)
}

func (c *Client) AddLlmCost(ticketID string, cost float64) error {
	return c.do(http.MethodPost, "/api/tickets/"+ticketID+"/cost",
		map[string]float64{"cost": cost}, nil)
}

func (c *Client) UpdateLlmNotes(llmID, strengths, weaknesses string) error {
	return c.do(http.MethodPost, "/api/llms/"+llmID+"/notes",
		map[string]string{"strengths": strengths, "weaknesses": weaknesses}, nil)
}

// GetSettings fetches the server's settings so the worker uses the same
// strategy, thresholds, and model pool.
func (c *Client) GetSettings(out any) error {
	return c.do(http.MethodGet, "/api/settings", nil, out)
}
