package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func postJSON(path string, body interface{}, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(engineURL()+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOrFail(resp, out)
}

func deleteRequest(path string) error {
	req, err := http.NewRequest(http.MethodDelete, engineURL()+path, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOrFail(resp, nil)
}

func getJSON(path string, out interface{}) error {
	resp, err := httpClient.Get(engineURL() + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOrFail(resp, out)
}

func decodeOrFail(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("engine returned %s: %s", resp.Status, string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
