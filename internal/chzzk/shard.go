package chzzk

import "fmt"

const shardCount = 9

// serverID picks the chat shard for a chat channel: the sum of its code
// points mod 9, plus one.
func serverID(chatChannelID string) int {
	sum := 0
	for _, r := range chatChannelID {
		sum += int(r)
	}
	return sum%shardCount + 1
}

// DefaultEndpoint is the production chat endpoint for shard id.
func DefaultEndpoint(id int) string {
	return fmt.Sprintf("wss://kr-ss%d.chat.naver.com/chat", id)
}
