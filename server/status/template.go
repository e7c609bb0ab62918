package status

import (
	"html/template"
)

type statusTemplateDevice struct {
	UDID    string
	Name    string
	Kind    string
	OS      string
	Used    bool
	Session string
}

type statusTemplateData struct {
	Version     string
	Devices     []statusTemplateDevice
	DeviceCount int
	Log         string

	IsError bool
	Error   string

	CSRFField template.HTML
}

const templateString = `
<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no">
  <title>idevd status</title>
  <style>
    body {
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", "Roboto", "Helvetica Neue", Arial, sans-serif;
    }

    h1 {
      font-size: 36px;
    }

    p {
      color: #858585;
    }

    #container {
      width: 100%;
    }

    .error {
      border: 1px solid orangered;
      border-radius: 4px;
      min-width: 320px;
      max-width: 500px;
      min-height: 33px;
      margin: 20px auto;
      position: relative;
      color: darkred;
      padding-top: 13px;
    }

    .item {
      border: 1px solid lightgray;
      border-radius: 4px;
      min-width: 320px;
      max-width: 500px;
      min-height: 100px;
      margin: 20px auto;
      position: relative;
      padding: 10px 20px;
    }

    .log {
      font-family: monospace;
      font-size: 11px;
      white-space: pre-wrap;
      text-align: left;
      max-height: 400px;
      overflow-y: scroll;
    }

    .center {
      text-align: center;
    }
  </style>
</head>
<body>
  <div id="container" class="center">
    <h1>idevd</h1>
    <p>Device management daemon, version {{.Version}}</p>

    {{if .IsError}}
    <div class="error">{{.Error}}</div>
    {{end}}

    <div class="item">
      <h3>Devices ({{.DeviceCount}})</h3>
      {{if .Devices}}
      <table style="margin: 0 auto">
        <tr><th>UDID</th><th>Name</th><th>Provider</th><th>OS</th><th>Session</th></tr>
        {{range .Devices}}
        <tr>
          <td>{{.UDID}}</td>
          <td>{{.Name}}</td>
          <td>{{.Kind}}</td>
          <td>{{.OS}}</td>
          <td>{{if .Used}}{{.Session}}{{else}}free{{end}}</td>
        </tr>
        {{end}}
      </table>
      {{else}}
      <p>No devices connected.</p>
      {{end}}
    </div>

    <div class="item">
      <h3>Detailed log</h3>
      <form action="/status/log.gz" method="POST">
        {{.CSRFField}}
        <button type="submit">Download</button>
      </form>
    </div>

    <div class="item">
      <h3>Log</h3>
      <div class="log">{{.Log}}</div>
    </div>
  </div>
</body>
</html>
`

var statusTemplate = template.Must(template.New("status").Parse(templateString))
