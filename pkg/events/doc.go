// Package events feeds the reconcile loop with convergence triggers.
//
// The Broker fans independent sources into one channel: a periodic timer
// for drift detection, an fsnotify watcher on the plan file, an injectable
// cluster-event channel, and manual triggers from the CLI. Sources are
// never blocked; when the loop is busy the buffered channel holds the
// backlog and the loop coalesces it into a single pass.
package events
