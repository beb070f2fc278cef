// terrasync CLI entry point
//
// terrasync keeps a target database in step with a source database with
// checkpointed, resumable sync jobs, conflict resolution and an audit trail,
// and migrates tables from SQL databases or CSV/JSON files into Supabase.
package main

import "github.com/terrafusion/syncservice/internal/presentation/cli/commands"

func main() {
	commands.Execute()
}
