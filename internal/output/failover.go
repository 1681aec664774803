package output

// hostRing is a rotating host queue. Every connection attempt takes the
// head and re-appends it, so a failed host falls to the back and a
// reconnect after success moves on to the next host as well.
type hostRing struct {
	hosts []string
}

func newHostRing(hosts []string) *hostRing {
	return &hostRing{hosts: append([]string(nil), hosts...)}
}

// next returns the head and rotates it to the tail.
func (r *hostRing) next() string {
	head := r.hosts[0]
	if len(r.hosts) > 1 {
		copy(r.hosts, r.hosts[1:])
		r.hosts[len(r.hosts)-1] = head
	}
	return head
}

// peek returns the head without rotating.
func (r *hostRing) peek() string {
	return r.hosts[0]
}

// size returns the number of configured hosts.
func (r *hostRing) size() int {
	return len(r.hosts)
}
