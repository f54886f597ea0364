package receiver

import "github.com/emersion/go-message/mail"

// Sender returns the first From address of msg, falling back to the first
// Reply-To address. Nil and empty entries are skipped. It returns "" when
// neither list has an address.
func Sender(msg *Message) string {
	if msg == nil {
		return ""
	}
	if addr := firstAddress(msg.From); addr != "" {
		return addr
	}
	return firstAddress(msg.ReplyTo)
}

func firstAddress(list []*mail.Address) string {
	for _, a := range list {
		if a != nil && a.Address != "" {
			return a.Address
		}
	}
	return ""
}
