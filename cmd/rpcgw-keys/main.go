// Command rpcgw-keys manages API keys in the gateway's Redis key store.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(openRedisStore).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
