package server

import (
	"html/template"
	"io"
	"strconv"
	"time"
)

var funcs = template.FuncMap{
	"relative": FormatRelative,
	"date":     formatDate,
	"day":      func(t time.Time) string { return t.Format("2006/01/02") },
	"pct":      func(f float64) string { return strconv.FormatFloat(f, 'f', 3, 64) },
	"hours":    func() []int { return hourRange(24) },
	"ticks":    func() []int { return hourRange(25) },
	"hourPos":  func(h int) float64 { return 100 * float64(h) / 24 },
}

var (
	baseTmpl   = template.Must(template.New("base").Funcs(funcs).Parse(baseHTML))
	homeTmpl   = template.Must(template.Must(baseTmpl.Clone()).Parse(homeHTML))
	emptyTmpl  = template.Must(template.Must(baseTmpl.Clone()).Parse(emptyHTML))
	reportTmpl = template.Must(template.Must(baseTmpl.Clone()).Parse(reportHTML))
	graphTmpl  = template.Must(template.Must(baseTmpl.Clone()).Parse(graphHTML))
)

func render(w io.Writer, tmpl *template.Template, data any) error {
	return tmpl.ExecuteTemplate(w, "base", data)
}

const baseHTML = `{{define "base"}}<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>heartbeat</title>
<style>
html { font-family: 'Chivo Mono', monospace; font-weight: 300; background-color: #ffd1dc; }
li { list-style: none; }
.small { font-size: 0.7rem; }
.active { color: #1da23e; }
.inactive { color: #d90422; }
.absences, .recent-beats { width: 80vw; display: flex; flex-direction: row; }
.right { flex: 1; }
.left .line { margin-right: 1rem; border-right: 1px solid #ffa2da; }
.line { display: flex; flex-direction: row; width: 100%; height: 1rem; position: relative; }
.line:nth-child(1) { margin-bottom: 10px; border-right: unset; }
.line:nth-child(2) { border-top: 1px solid #ffa2da; }
.line span { position: absolute; }
span.hours { width: calc(100% / 24); text-align: center; color: #e3228f; }
.line span.dots { width: 1px; height: 1rem; background-color: #ffa2da; }
.absences .line span.start, .absences .line span.end { width: 8px; height: 1rem; }
.absences .line span.start { background-color: #ac3333; }
.absences .line span.end { background-color: #9a37ec; }
.absences .line span.length { background-color: #8000806e; height: 1rem; }
.absences .line span.length:hover { background-color: #d715d76e; }
.recent-beats .beat { width: 1px; height: 1rem; background-color: #800080; }
</style>
</head>
<body>
{{template "content" .}}
</body>
</html>
{{end}}`

const emptyHTML = `{{define "content"}}<p>there are no heartbeats yet :3</p>{{end}}`

const homeHTML = `{{define "content"}}<p>this is a heartbeat service :3<br>
this page displays the last time any of the registered devices was used</p>
<ul>
<h4>status: {{if .Active}}<span class="active">active</span>{{else}}<span class="inactive">inactive</span>{{end}}</h4>
<li>last beat: <strong>{{date .LastBeat}}</strong></li>
<li>time since last beat: <strong>{{relative .SinceLastBeat}}</strong></li>
<h4>stats</h4>
<li title="longest absence since the server restarted">longest absence: <strong>{{relative .LongestAbsence}}</strong></li>
<li>total beats: <strong>{{.TotalBeats}}</strong></li>
<li>first beat: <strong>{{date .FirstBeat}}</strong></li>
<li>server uptime: <strong>{{relative .Uptime}}</strong></li>
</ul>
{{if .Active}}<p class="small">active right now! if messages go unanswered,<br>
other things are probably taking up attention<br>
and a reply will come once there is time to give it full attention :3</p>
{{else if .Asleep}}<p class="small">inactive for more than {{relative .SleepAfter}}, which probably means asleep,<br>
even if it's a weird time for the current timezone.</p>
{{end}}{{end}}`

const reportHTML = `{{define "content"}}<ul>
{{range .}}<li>Absence from {{date .Start}} to {{date .EndTimestamp}} of {{relative .Duration}}</li>
{{end}}</ul>{{end}}`

const graphHTML = `{{define "content"}}<h1>recent beats</h1>
{{with .Recent}}<div class="recent-beats">
<div class="left">
<div class="line" style="color: transparent;"></div>
{{range .Devices}}<div class="line">{{.Name}}</div>
{{end}}</div>
<div class="right">
<div class="line">
{{range .Days}}<span class="hours" style="left: {{pct .Pos}}%;">{{.Label}}</span>
{{end}}{{range .Ticks}}<span class="dots" style="left: {{pct .}}%;"></span>
{{end}}</div>
{{range .Devices}}<div class="line">
{{range .Beats}}<span class="beat" style="left: {{pct .Pos}}%;" title="{{date .At}}"></span>
{{end}}</div>
{{end}}</div>
</div>
{{else}}Not enough beats
{{end}}
<h1>absences</h1>
{{with .Calendar}}<div class="absences">
<div class="left">
<div class="line" style="color: transparent;"></div>
{{range .}}<div class="line">{{day .Day}}</div>
{{end}}</div>
<div class="right">
<div class="line">
{{range $h := hours}}<span class="hours" style="left: {{pct (hourPos $h)}}%;">{{$h}}</span>
{{end}}</div>
{{range .}}<div class="line">
{{range $h := ticks}}<span class="dots" style="left: {{pct (hourPos $h)}}%;"></span>
{{end}}{{range .Segments}}<span class="length" style="left: {{pct .Left}}%; width: {{pct .Width}}%;" title="{{.Title}}"></span>
{{if .StartsToday}}<span class="start" style="left: {{pct .Left}}%;" title="{{date .Start}}"></span>
{{end}}{{if .EndsToday}}<span class="end" style="left: {{pct .Right}}%;" title="{{date .End}}"></span>
{{end}}{{end}}</div>
{{end}}</div>
</div>
{{else}}Not enough absences
{{end}}{{end}}`

func hourRange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
