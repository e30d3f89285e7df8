package handler

import (
	"encoding/xml"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"oncall-pager/internal/provider"
	"oncall-pager/internal/webhook"
)

type twimlSay struct {
	Language string `xml:"language,attr,omitempty"`
	Voice    string `xml:"voice,attr,omitempty"`
	Text     string `xml:",chardata"`
}

type twimlGather struct {
	Input     string   `xml:"input,attr"`
	NumDigits int      `xml:"numDigits,attr"`
	Action    string   `xml:"action,attr"`
	Method    string   `xml:"method,attr"`
	Timeout   int      `xml:"timeout,attr"`
	Say       twimlSay `xml:"Say"`
}

type twimlDial struct {
	Number string `xml:"Number"`
}

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Gather  *twimlGather `xml:"Gather,omitempty"`
	Say     []twimlSay   `xml:"Say"`
	Dial    *twimlDial   `xml:"Dial,omitempty"`
	Hangup  *struct{}    `xml:"Hangup,omitempty"`
}

func (h *Handler) say(text string) twimlSay {
	return twimlSay{Language: h.voice.Language, Voice: h.voice.Voice, Text: text}
}

func (h *Handler) writeTwiML(c *gin.Context, doc twimlResponse) {
	body, err := xml.Marshal(doc)
	if err != nil {
		c.String(http.StatusInternalServerError, "twiml encoding failed")
		return
	}
	c.Data(http.StatusOK, "application/xml", append([]byte(xml.Header), body...))
}

// TwilioVoice serves the TwiML Twilio fetches when the callee picks up: the page inside a
// one-digit Gather, then a hangup if nothing is pressed.
func (h *Handler) TwilioVoice(c *gin.Context) {
	text := h.voice.Fallback
	if id := c.Query("incident_id"); id != "" {
		if inc, err := h.svc.Incident(c.Request.Context(), id); err == nil {
			text = inc.TTSText
		}
	}
	h.writeTwiML(c, twimlResponse{
		Gather: &twimlGather{
			Input:     "dtmf",
			NumDigits: 1,
			Action:    "/twilio/gather?" + callbackQuery(c),
			Method:    http.MethodPost,
			Timeout:   int(h.voice.GatherTimeout / time.Second),
			Say:       h.say(text),
		},
		Say:    []twimlSay{h.say(h.voice.NoInput)},
		Hangup: &struct{}{},
	})
}

// TwilioGather handles the Gather action.
func (h *Handler) TwilioGather(c *gin.Context) {
	resp := h.router.OnDigit(c.Request.Context(), webhook.DigitEvent{
		IncidentID: c.Query("incident_id"),
		Digit:      c.PostForm("Digits"),
		CallID:     c.PostForm("CallSid"),
		Provider:   string(provider.KindTwilio),
		Fields:     formFields(c),
	})
	doc := twimlResponse{Say: []twimlSay{h.say(resp.Message)}}
	if resp.Action == webhook.ActionBridge {
		doc.Dial = &twimlDial{Number: resp.BridgeTo}
	} else {
		doc.Hangup = &struct{}{}
	}
	h.writeTwiML(c, doc)
}

// TwilioStatus handles status callbacks.
func (h *Handler) TwilioStatus(c *gin.Context) {
	secs, _ := strconv.Atoi(c.PostForm("CallDuration"))
	ack := h.router.OnStatusEvent(c.Request.Context(), webhook.StatusEvent{
		IncidentID: c.Query("incident_id"),
		Status:     c.PostForm("CallStatus"),
		CallID:     c.PostForm("CallSid"),
		Provider:   string(provider.KindTwilio),
		Callee:     c.PostForm("To"),
		Duration:   time.Duration(secs) * time.Second,
		AnsweredBy: c.PostForm("AnsweredBy"),
		Fields:     formFields(c),
	})
	c.JSON(http.StatusOK, gin.H{"ok": true, "ack": ack})
}

func formFields(c *gin.Context) map[string]string {
	if err := c.Request.ParseForm(); err != nil {
		return nil
	}
	out := make(map[string]string, len(c.Request.PostForm))
	for k, v := range c.Request.PostForm {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
