package library

import (
	"bytes"
	"html/template"
)

var messageTemplates = template.Must(template.New("messages").Parse(`
{{define "accepted"}}<p>Hello {{.Requester.Name}},</p>
<p>{{.Holder.Name}} accepted your request for <b>{{.Book.Title}}</b> by {{.Book.Author}} ({{.Book.ID}}).</p>
<p>Arrange the hand-over with {{.Holder.Name}} at <a href="mailto:{{.Holder.Email}}">{{.Holder.Email}}</a>.</p>{{end}}
{{define "superseded"}}<p>Hello {{.Requester.Name}},</p>
<p>Your request for <b>{{.Book.Title}}</b> by {{.Book.Author}} ({{.Book.ID}}) was declined: the book was given to someone else.</p>{{end}}
{{define "rejected"}}<p>Hello {{.Requester.Name}},</p>
<p>{{.Holder.Name}} declined your request for <b>{{.Book.Title}}</b> by {{.Book.Author}} ({{.Book.ID}}).</p>
<p>Reason: {{.Reason}}</p>{{end}}
`))

type messageData struct {
	Book      *Book
	Requester *Member
	Holder    *Member
	Reason    string
}

const (
	subjectAccepted   = "Your book request was accepted"
	subjectSuperseded = "Your book request was declined"
	subjectRejected   = "Your book request was declined"
)

func renderMessage(name string, data messageData) (string, error) {
	var buf bytes.Buffer
	if err := messageTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
