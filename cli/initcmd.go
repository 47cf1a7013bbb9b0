package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const configTemplate = `# puffgres project configuration.
# Connection secrets come from the environment:
#   DATABASE_URL         Postgres connection string
#   TURBOPUFFER_API_KEY  turbopuffer API key

migrations_dir = "migrations"

[source]
slot = "puffgres"
# "poll" reads the slot on a timer; "stream" holds a replication
# connection open.
mode = "poll"
poll_interval_ms = 1000

[engine]
# strict = true pins a mapping's checkpoint while it has DLQ entries.
strict = false

[logging]
level = "info"
format = "console"

[admin]
enabled = false
port = 9621
`

const exampleMapping = `# Example mapping: mirror active users into the "users" namespace.
version = 1
mapping_name = "users"
namespace = "users"

[source]
schema = "public"
table = "users"

[id]
column = "id"
type = "uint"

columns = ["name", "email", "status"]

[membership]
mode = "dsl"
predicate = "status = 'active'"
`

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize puffgres in the current directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat("puffgres.toml"); err == nil {
				return usage("puffgres.toml already exists")
			}

			if err := os.WriteFile("puffgres.toml", []byte(configTemplate), 0o644); err != nil {
				return err
			}
			if err := os.MkdirAll("migrations", 0o755); err != nil {
				return err
			}

			example := filepath.Join("migrations", "0001_users.toml.example")
			if err := os.WriteFile(example, []byte(exampleMapping), 0o644); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Created puffgres.toml and migrations/")
			fmt.Fprintln(cmd.OutOrStdout(), "Edit the example mapping, rename it to .toml, then run: puffgres migrate")
			return nil
		},
	}
}
