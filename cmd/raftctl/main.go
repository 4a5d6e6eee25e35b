package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/galdor/go-program"

	"github.com/nimblekv/raft/pkg/clusterconfig"
	"github.com/nimblekv/raft/pkg/raft"
)

// raftctl is an inspection and administration client for a raftkv
// cluster: it resolves node addresses from a cluster membership file
// (see pkg/clusterconfig) and issues plain HTTP requests against a
// node's api HTTP server, the same one a real client would use.
// Grounded in virajbhartiya-raft's raftctl (address/command/key/value
// flags against a running server), adapted from its net/rpc dial to
// this project's HTTP API and to go-program for argument parsing.
func main() {
	p := program.NewProgram("raftctl", "an inspection and administration client for a raftkv cluster")

	p.AddArgument("command", "one of: status, get, put, delete")
	p.AddOptionalArgument("key", "the key to operate on")
	p.AddOptionalArgument("value", "the value to write (put only)")

	p.AddOption("c", "cluster", "path", "", "path to a cluster membership file")
	p.AddOption("n", "node", "id", "", "the node to contact (defaults to an arbitrary listed node, not necessarily the first)")

	p.ParseCommandLine()

	run(p)
}

func run(p *program.Program) {
	clusterPath := p.OptionValue("cluster")
	if clusterPath == "" {
		p.Fatal("missing cluster membership file (-c/--cluster)")
	}

	servers, err := clusterconfig.Load(clusterPath)
	if err != nil {
		p.Fatal("cannot load cluster: %v", err)
	}

	nodeId := raft.ServerId(p.OptionValue("node"))
	var server raft.ServerData

	if nodeId != "" {
		var found bool
		server, found = servers[nodeId]
		if !found {
			p.Fatal("unknown node %q", nodeId)
		}
	} else {
		for id, data := range servers {
			nodeId, server = id, data
			break
		}
	}

	client := &http.Client{Timeout: 5 * time.Second}
	base := "http://" + string(server.PublicAddress)

	command := p.ArgumentValue("command")

	switch command {
	case "status":
		printJSON(client, base+"/status")

	case "get":
		key := p.ArgumentValue("key")
		if key == "" {
			p.Fatal("missing key")
		}
		printJSON(client, base+"/store/"+key)

	case "put":
		key := p.ArgumentValue("key")
		value := p.ArgumentValue("value")
		if key == "" {
			p.Fatal("missing key")
		}

		body, _ := json.Marshal(struct {
			Value string `json:"value"`
		}{Value: value})

		req, err := http.NewRequest("PUT", base+"/store/"+key, bytes.NewReader(body))
		if err != nil {
			p.Fatal("cannot create request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := client.Do(req)
		if err != nil {
			p.Fatal("request failed: %v", err)
		}
		defer res.Body.Close()

		if res.StatusCode >= 300 {
			body, _ := io.ReadAll(res.Body)
			fmt.Fprintf(os.Stderr, "%s\n", body)
			os.Exit(1)
		}

	case "delete":
		key := p.ArgumentValue("key")
		if key == "" {
			p.Fatal("missing key")
		}

		req, err := http.NewRequest("DELETE", base+"/store/"+key, nil)
		if err != nil {
			p.Fatal("cannot create request: %v", err)
		}

		res, err := client.Do(req)
		if err != nil {
			p.Fatal("request failed: %v", err)
		}
		defer res.Body.Close()

		if res.StatusCode >= 300 {
			body, _ := io.ReadAll(res.Body)
			fmt.Fprintf(os.Stderr, "%s\n", body)
			os.Exit(1)
		}

	default:
		p.Fatal("unknown command %q", command)
	}
}

func printJSON(client *http.Client, url string) {
	res, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot read response: %v\n", err)
		os.Exit(1)
	}

	if res.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "%s\n", body)
		os.Exit(1)
	}

	var indented interface{}
	if err := json.Unmarshal(body, &indented); err == nil {
		pretty, _ := json.MarshalIndent(indented, "", "  ")
		fmt.Println(string(pretty))
		return
	}

	fmt.Println(string(body))
}
