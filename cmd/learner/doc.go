/*
learner keeps a local, searchable library of academic paper metadata and
PDFs from arXiv, the IACR Cryptology ePrint Archive and DOI registries.

# Usage

	learner <command> [options]

# Commands

	init                      Create the config file and database
	add <identifier>...       Fetch metadata (and the PDF) for papers
	download <source> <id>    Download the PDF for a stored paper
	get <source> <id>         Show a stored paper (--bibtex, --json)
	remove <source> <id>      Remove a stored paper
	search <query>            Search titles and abstracts
	list                      List stored papers (alias: ls)
	stats                     Show store statistics
	sync                      Refresh stale metadata once
	reindex                   Rebuild the full-text index
	clean                     Delete the database (--pdfs also deletes PDFs)
	serve                     Browse the library over HTTP
	daemon <command>          Manage the background refresher

Every command accepts --config, --db and --verbose.

# Identifiers

add accepts any of these forms:

	2301.07041                             arXiv id (a version suffix is dropped)
	https://arxiv.org/abs/2301.07041v2     arXiv abstract or PDF URL
	arXiv:hep-th/9901001                   old-style arXiv id
	2016/260                               IACR ePrint id
	https://eprint.iacr.org/2016/260.pdf   IACR ePrint URL
	10.1145/1327452.1327492                DOI
	https://doi.org/10.1145/1327452.1327492

Sources for download, get and remove are arxiv, iacr and doi.

# Configuration

The config file is JSON with comments, read from
$XDG_CONFIG_HOME/learner/config.json (or ~/.config/learner/config.json):

	{
	  "database_path": "~/.local/share/learner/learner.db",
	  "storage_path": "~/.local/share/learner/pdfs",
	  "daemon": {"interval": "6h", "refresh_after": "168h"},
	  "http": {"timeout": "30s", "retries": 3}
	}

LEARNER_DB overrides database_path; --db overrides both.

# Daemon

	learner daemon install     Write the systemd unit or launchd plist (root)
	learner daemon start       Start the refresher in the background
	learner daemon stop        Stop it (SIGTERM, then SIGKILL)
	learner daemon restart     Stop, then start
	learner daemon status      Report not installed, installed (stopped) or running
	learner daemon uninstall   Stop if running and remove the descriptor
	learner daemon run         Run the refresher in the foreground

The daemon refreshes papers whose metadata is older than refresh_after
once per interval. Its JSON log rotates daily; stdout.log and stderr.log
sit beside it in the log directory.

# Exit codes

	0   success
	1   usage or other error
	2   unrecognized source
	3   network error
	4   malformed provider response
	5   not found
	6   duplicate
	7   storage error
	10  daemon already running
	11  daemon not running
	12  permission denied
	13  stale lock
	14  daemon not installed
*/
package main
