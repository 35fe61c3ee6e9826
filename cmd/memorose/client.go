package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// getJSON fetches a path and pretty-prints the response body.
func getJSON(apiAddr, path string) error {
	resp, err := httpClient.Get("http://" + apiAddr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

// postJSON posts a JSON body and pretty-prints the response.
func postJSON(apiAddr, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post("http://"+apiAddr+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		pretty.Write(data)
	}
	fmt.Fprintln(os.Stdout, pretty.String())

	if resp.StatusCode >= 400 {
		if hint := resp.Header.Get("X-Memorose-Leader"); hint != "" {
			fmt.Fprintf(os.Stderr, "Leader hint: %s\n", hint)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return nil
}
