package relay

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/playtrack/backend/internal/session"
)

func (r *Relay) handleSubscribe(ctx context.Context, in Inbound) {
	if in.Conn == nil {
		r.drop(in, errors.New("subscribe without a connection"))
		return
	}
	childID, err := parseChildRef(in.Payload)
	if err != nil {
		r.drop(in, err)
		return
	}

	if r.rooms.add(childID, in.Conn) {
		r.syncRoomGauges()
	}
	room := session.RoomName(childID)
	r.log.WithFields(logrus.Fields{
		"conn":    in.Conn.ID(),
		"childId": childID,
		"room":    room,
	}).Info("monitor joined")

	r.deliver(in.Conn, Outbound{
		Type:    MsgMonitorJoined,
		Payload: JoinedPayload{ChildID: childID, Room: room},
	})

	st, ok, err := r.store.Get(ctx, childID)
	if err != nil {
		r.log.WithField("childId", childID).WithError(err).Error("load session for sync")
		return
	}
	if !ok {
		return
	}
	r.deliver(in.Conn, Outbound{
		Type: MsgGameUpdate,
		Payload: UpdatePayload{
			ChildID:    st.ChildID,
			ActivityID: st.ActivityID,
			GameType:   st.GameType,
			Event:      session.EventStarted,
			Data:       st.Snapshot,
			Timestamp:  st.LastUpdate.UnixMilli(),
			IsSync:     true,
		},
	})
}

func (r *Relay) handleUnsubscribe(in Inbound) {
	if in.Conn == nil {
		r.drop(in, errors.New("unsubscribe without a connection"))
		return
	}
	childID, err := parseChildRef(in.Payload)
	if err != nil {
		r.drop(in, err)
		return
	}
	if r.rooms.remove(childID, in.Conn.ID()) {
		r.syncRoomGauges()
		r.log.WithFields(logrus.Fields{
			"conn":    in.Conn.ID(),
			"childId": childID,
		}).Info("monitor left")
	}
}

func (r *Relay) handleDisconnect(in Inbound) {
	if in.Conn == nil {
		return
	}
	left := r.rooms.removeConn(in.Conn.ID())
	if len(left) > 0 {
		r.syncRoomGauges()
		r.log.WithFields(logrus.Fields{
			"conn":  in.Conn.ID(),
			"rooms": len(left),
		}).Debug("connection left all rooms")
	}
}

func (r *Relay) handleStart(ctx context.Context, in Inbound) {
	msg, err := parseStart(in.Payload)
	if err != nil {
		r.drop(in, err)
		return
	}
	entry := r.log.WithFields(logrus.Fields{
		"childId":    msg.ChildID,
		"activityId": msg.ActivityID,
		"gameType":   msg.GameType,
	})

	// Last start wins. The replaced session is only reported.
	if prev, ok, err := r.store.Get(ctx, msg.ChildID); err == nil && ok {
		entry.WithFields(logrus.Fields{
			"replacedActivityId": prev.ActivityID,
			"replacedGameType":   prev.GameType,
		}).Warn("start replaces an active session")
	}

	if _, err := r.store.UpsertStart(ctx, msg.ChildID, msg.ActivityID, msg.GameType, msg.Initial); err != nil {
		entry.WithError(err).Error("store session start")
	}
	entry.Info("game started")

	r.broadcast(msg.ChildID, Outbound{
		Type: MsgGameUpdate,
		Payload: UpdatePayload{
			ChildID:    msg.ChildID,
			ActivityID: msg.ActivityID,
			GameType:   msg.GameType,
			Event:      session.EventStarted,
			Data:       msg.Initial,
			Timestamp:  r.nowMillis(),
		},
	})
}

// handleProgress applies game:progress, or game:complete when complete is
// set. Progress fans out only the partial data the emitter sent; monitors
// merge it themselves.
func (r *Relay) handleProgress(ctx context.Context, in Inbound, complete bool) {
	msg, err := parseProgress(in.Payload)
	if err != nil {
		r.drop(in, err)
		return
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = r.nowMillis()
	}
	entry := r.log.WithField("childId", msg.ChildID)

	if complete {
		r.complete(ctx, entry, msg)
		return
	}

	switch {
	case msg.Event == "":
		msg.Event = session.EventProgress
	case session.IsLifecycle(msg.Event):
		entry.WithField("event", msg.Event).Debug("lifecycle event kind on progress; sending as progress")
		msg.Event = session.EventProgress
	}

	st, err := r.store.MergeProgress(ctx, msg.ChildID, msg.ActivityID, msg.GameType, msg.Data)
	if err != nil {
		entry.WithError(err).Error("merge progress")
	} else {
		if st.Synthesized && st.StartedAt.Equal(st.LastUpdate) {
			entry.Info("progress without a recorded start; session synthesized")
		}
		if msg.ActivityID == 0 {
			msg.ActivityID = st.ActivityID
		}
		if msg.GameType == "" {
			msg.GameType = st.GameType
		}
	}

	r.broadcast(msg.ChildID, Outbound{
		Type: MsgGameUpdate,
		Payload: UpdatePayload{
			ChildID:    msg.ChildID,
			ActivityID: msg.ActivityID,
			GameType:   msg.GameType,
			Event:      msg.Event,
			Data:       msg.Data,
			Timestamp:  msg.Timestamp,
		},
	})
}

func (r *Relay) complete(ctx context.Context, entry logrus.FieldLogger, msg progressMsg) {
	if msg.ActivityID == 0 || msg.GameType == "" {
		if st, ok, err := r.store.Get(ctx, msg.ChildID); err == nil && ok {
			if msg.ActivityID == 0 {
				msg.ActivityID = st.ActivityID
			}
			if msg.GameType == "" {
				msg.GameType = st.GameType
			}
		}
	}
	if err := r.store.Remove(ctx, msg.ChildID); err != nil {
		entry.WithError(err).Error("remove completed session")
	}
	entry.WithField("activityId", msg.ActivityID).Info("game completed")

	r.broadcast(msg.ChildID, Outbound{
		Type: MsgGameUpdate,
		Payload: UpdatePayload{
			ChildID:    msg.ChildID,
			ActivityID: msg.ActivityID,
			GameType:   msg.GameType,
			Event:      session.EventCompleted,
			Data:       msg.Data,
			Timestamp:  msg.Timestamp,
		},
	})
}

// sweepIdle evicts sessions that have not seen progress within the idle
// timeout and tells their rooms the session was abandoned.
func (r *Relay) sweepIdle(ctx context.Context) {
	timeout := r.Config().IdleTimeout
	if timeout <= 0 {
		return
	}
	evicted, err := r.store.EvictIdle(ctx, r.now().Add(-timeout))
	if err != nil {
		r.log.WithError(err).Error("evict idle sessions")
	}
	for _, st := range evicted {
		r.evicted.Add(1)
		r.log.WithFields(logrus.Fields{
			"childId":    st.ChildID,
			"activityId": st.ActivityID,
			"idleFor":    r.now().Sub(st.LastUpdate).Round(time.Second),
		}).Warn("evicted abandoned session")
		r.broadcast(st.ChildID, Outbound{
			Type: MsgGameUpdate,
			Payload: UpdatePayload{
				ChildID:    st.ChildID,
				ActivityID: st.ActivityID,
				GameType:   st.GameType,
				Event:      session.EventAbandoned,
				Data:       st.Snapshot,
				Timestamp:  r.nowMillis(),
			},
		})
	}
}
