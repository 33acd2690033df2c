package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	eventbus "github.com/camtittle/photosharing-eventbus"
	"github.com/camtittle/photosharing-eventbus/delivery"
	"github.com/camtittle/photosharing-eventbus/dlq"
	"github.com/camtittle/photosharing-eventbus/message"
	"github.com/camtittle/photosharing-eventbus/topic"
)

func newEventID() string {
	return uuid.NewString()
}

func fail(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error()})
}

// statusOf maps bus errors to HTTP status codes.
func statusOf(err error) int {
	if eventbus.IsValidation(err) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) publish(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	pub := message.PublishRequest{
		ID:        s.newID(),
		Topic:     req.Topic,
		Timestamp: s.now().UnixMilli(),
		Body:      req.Body,
	}
	if err := s.bus.Publish(c.Request.Context(), pub); err != nil {
		fail(c, statusOf(err), err)
		return
	}
	c.JSON(http.StatusAccepted, PublishResponse{ID: pub.ID, Timestamp: pub.Timestamp})
}

func (s *Server) confirm(c *gin.Context) {
	var req message.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.bus.Confirm(c.Request.Context(), req); err != nil {
		fail(c, statusOf(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) sweep(c *gin.Context) {
	res, err := s.reconciler.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"result": res, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) deliveries(c *gin.Context) {
	eventID := c.Query("event_id")
	if eventID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "event_id is required"})
		return
	}
	recs, err := s.bus.Tracker().ForEvent(c.Request.Context(), eventID)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []delivery.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (s *Server) stats(c *gin.Context) {
	filter := delivery.Filter{Destination: c.Query("destination")}
	if raw := c.Query("topic"); raw != "" {
		t, err := topic.Parse(raw)
		if err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
		filter.Topic = t
	}

	var predicate func(delivery.Record) bool
	if content := c.Query("comment_content"); content != "" {
		predicate = eventbus.CommentContentIs(content)
	}

	out, err := s.bus.Stats(c.Request.Context(), filter, predicate)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func deadLetterFilter(c *gin.Context) (dlq.Filter, error) {
	filter := dlq.Filter{
		Topic:           topic.Topic(c.Query("topic")),
		Destination:     c.Query("destination"),
		EventID:         c.Query("event_id"),
		Reason:          c.Query("reason"),
		ExcludeReplayed: c.Query("pending") == "true",
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, &queryError{name: name, value: raw}
		}
		*dst = n
	}
	return filter, nil
}

type queryError struct {
	name  string
	value string
}

func (e *queryError) Error() string {
	return "invalid " + e.name + ": " + strconv.Quote(e.value)
}

func (s *Server) listDeadLetters(c *gin.Context) {
	filter, err := deadLetterFilter(c)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	msgs, err := s.bus.DeadLetters().List(c.Request.Context(), filter)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deadLetters": mapDeadLetters(msgs)})
}

func (s *Server) deadLetterStats(c *gin.Context) {
	stats, err := s.bus.DeadLetters().Stats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) replayDeadLetters(c *gin.Context) {
	filter, err := deadLetterFilter(c)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	filter.ExcludeReplayed = true

	n, err := s.bus.DeadLetters().Replay(c.Request.Context(), filter)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, ReplayResponse{Replayed: n})
}
