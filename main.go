// Command lsp-indexer indexes LUKSO standard contracts into PostgreSQL.
package main

import "github.com/chillwhales/lsp-indexer/cmd"

func main() {
	cmd.Execute()
}
