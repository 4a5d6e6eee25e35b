package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("raftkv", "a replicated key-value store backed by Raft consensus", NewService())
}
