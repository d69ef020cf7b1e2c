// Package configcmder provides the config command for managing persistent
// mnemo configuration stored in the .mnemo/ directory.
package configcmder

import (
	"github.com/spf13/cobra"
)

const configLongDesc string = `Manage persistent mnemo configuration.

Configuration is stored as config.toml in the .mnemo/ directory and provides
default values for command flags. CLI flags always take precedence over
config file values.

Keys use dotted notation matching the TOML section structure:
  session.max_sessions, session.max_turns, session.idle_ttl_minutes,
  distill.window_turns, distill.every_turns, distill.dedup_threshold,
  recall.tier_timeout_ms, recall.rerank,
  salience.usage_delta, salience.citation_delta, salience.decay_factor,
  promotion.min_salience, promotion.min_citations, promotion.min_age_hours,
  vector_store.provider, vector_store.target,
  embedding.provider, embedding.target, embedding.model, embedding.dimensions,
  llm.provider, llm.target, llm.model,
  eventstream.provider, eventstream.brokers, eventstream.topic,
  api.listen

Use subcommands to get, set, or list configuration values:
  mnemo config set <key> <value>    Set a configuration value
  mnemo config get <key>            Get a configuration value
  mnemo config list                 List all configuration values

Examples:
  mnemo config set vector_store.provider qdrant
  mnemo config set embedding.model nomic-embed-text
  mnemo config get promotion.min_salience
  mnemo config list`

const configShortDesc string = "Manage persistent mnemo configuration"

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}
