// Package delivery implements DeliveryService. mention.go composes the
// outgoing @-mention prefix and at_list: prepend a plain "@sender "
// token and add the sender to at_list so the remote daemon highlights
// them.
package delivery

import "strings"

// composeReply applies reply_at_sender: if set and the inbound message
// was from a group, the outgoing text is prefixed with "@<sender> " and
// at_list carries the sender so the remote daemon highlights them.
func composeReply(content, sender string, isGroup, replyAtSender bool) (text string, atList []string) {
	if !replyAtSender || !isGroup || sender == "" {
		return content, nil
	}
	return "@" + sender + " " + content, []string{sender}
}

// mergeContent concatenates merge-window-absorbed message bodies with
// newline separators, in create_time order.
func mergeContent(parts []string) string {
	return strings.Join(parts, "\n")
}
