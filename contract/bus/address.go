package bus

import "strings"

// DefaultExchange is the broker's default exchange: a message is routed to the queue
// whose name equals the routing key.
const DefaultExchange = ""

// Address is where a message is published: an exchange plus a routing key.
// On the default exchange the key is a queue name.
type Address struct {
	Exchange string
	Key      string
}

// Queue addresses a queue directly through the default exchange.
func Queue(name string) Address { return Address{Exchange: DefaultExchange, Key: name} }

// Topic addresses a dot-separated routing key on a topic exchange.
func Topic(exchange, key string) Address { return Address{Exchange: exchange, Key: key} }

// IsQueue reports whether the address targets the default exchange.
func (a Address) IsQueue() bool { return a.Exchange == DefaultExchange }

func (a Address) String() string {
	if a.IsQueue() {
		return a.Key
	}

	return a.Exchange + ":" + a.Key
}

// OnExchange moves a queue-style address onto a topic exchange, replacing "/" separators
// with ".". Topic addresses are returned unchanged, so the substitution can only
// ever happen once per hop.
func (a Address) OnExchange(exchange string) Address {
	if !a.IsQueue() || exchange == DefaultExchange {
		return a
	}

	return Topic(exchange, TopicKey(a.Key))
}

// TopicKey converts a queue-style address ("a/b") into a topic routing key ("a.b").
func TopicKey(queueStyle string) string { return strings.ReplaceAll(queueStyle, "/", ".") }

// ReplyAddress resolves a reply_to value into the address a reply is published to.
// With an empty replyExchange the reply goes to the default exchange by queue name;
// otherwise it goes to replyExchange with the "/"→"." substitution applied once.
func ReplyAddress(replyTo, replyExchange string) Address {
	return Queue(replyTo).OnExchange(replyExchange)
}

// MatchTopic reports whether a routing key matches a binding pattern.
// "*" matches exactly one word and "#" matches zero or more words.
func MatchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(p, k []string) bool {
	for len(p) > 0 {
		switch p[0] {
		case "#":
			if len(p) == 1 {
				return true
			}

			for i := 0; i <= len(k); i++ {
				if matchWords(p[1:], k[i:]) {
					return true
				}
			}

			return false
		case "*":
			if len(k) == 0 {
				return false
			}
		default:
			if len(k) == 0 || p[0] != k[0] {
				return false
			}
		}

		p, k = p[1:], k[1:]
	}

	return len(k) == 0
}
