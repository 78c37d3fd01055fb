package mcpserver

// DriftReference explains drift categories and severities to LLM consumers
// reading alerts.
const DriftReference = `# driftwatch Drift Reference

Every alert carries one drift record. The record compares the observed
state of a watched file with its approved baseline entry.

## Categories

| category | meaning | base severity |
|---|---|---|
| ` + "`content-changed`" + ` | content hash differs from the baseline | medium |
| ` + "`permission-changed`" + ` | mode bits or owner differ, content matches | low |
| ` + "`created-unexpectedly`" + ` | file exists but has no baseline entry | medium |
| ` + "`deleted-unexpectedly`" + ` | baselined file is gone | high |
| ` + "`restored-to-baseline`" + ` | file matches its baseline again after drift | info |
| ` + "`access-denied`" + ` | file could not be read, even after one retry | medium |

## Severity

Tiers double: info (1), low (2), medium (4), high (8), critical (16).
Paths tagged sensitive are raised one tier, capped at critical.

## Repeats

Identical records (same path, category and observed hash) inside the
suppression window are merged. ` + "`repeat_count`" + ` says how many were seen.

## Acting on drift

- Expected change: approve it so it becomes the new baseline.
- Unexpected change: fetch the previous content with ` + "`rollback_content`" + `
  and have an operator write it back. driftwatch never writes watched files
  on its own.
- Use ` + "`diff_snapshots`" + ` to see what changed between any two points in time.
`
