package relay

import "sort"

// rooms maps each child to the connections watching it, and each
// connection back to the children it watches so a disconnect can leave
// every room at once. Not safe for concurrent use.
type rooms struct {
	byChild map[int64]map[string]Conn
	byConn  map[string]map[int64]struct{}
}

func newRooms() *rooms {
	return &rooms{
		byChild: make(map[int64]map[string]Conn),
		byConn:  make(map[string]map[int64]struct{}),
	}
}

// add puts conn in childID's room. It reports false if it was already there.
func (r *rooms) add(childID int64, conn Conn) bool {
	members, ok := r.byChild[childID]
	if !ok {
		members = make(map[string]Conn)
		r.byChild[childID] = members
	}
	id := conn.ID()
	if _, exists := members[id]; exists {
		return false
	}
	members[id] = conn

	joined, ok := r.byConn[id]
	if !ok {
		joined = make(map[int64]struct{})
		r.byConn[id] = joined
	}
	joined[childID] = struct{}{}
	return true
}

// remove takes conn out of childID's room. It reports false if it was not
// a member.
func (r *rooms) remove(childID int64, connID string) bool {
	members, ok := r.byChild[childID]
	if !ok {
		return false
	}
	if _, exists := members[connID]; !exists {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.byChild, childID)
	}
	if joined, ok := r.byConn[connID]; ok {
		delete(joined, childID)
		if len(joined) == 0 {
			delete(r.byConn, connID)
		}
	}
	return true
}

// removeConn takes conn out of every room and returns the children it was
// watching.
func (r *rooms) removeConn(connID string) []int64 {
	joined := r.byConn[connID]
	children := make([]int64, 0, len(joined))
	for childID := range joined {
		children = append(children, childID)
	}
	sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
	for _, childID := range children {
		r.remove(childID, connID)
	}
	return children
}

// members returns the connections in childID's room, ordered by id so
// fan-out order is deterministic.
func (r *rooms) members(childID int64) []Conn {
	members := r.byChild[childID]
	if len(members) == 0 {
		return nil
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Conn, 0, len(ids))
	for _, id := range ids {
		out = append(out, members[id])
	}
	return out
}

func (r *rooms) size(childID int64) int {
	return len(r.byChild[childID])
}

func (r *rooms) roomCount() int {
	return len(r.byChild)
}

func (r *rooms) memberCount() int {
	n := 0
	for _, members := range r.byChild {
		n += len(members)
	}
	return n
}
