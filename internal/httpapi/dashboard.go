package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Chat Audit</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .card { background: var(--card); border: 1px solid var(--line); border-radius: 14px; padding: 14px; }
    .controls { display: flex; gap: 10px; margin-top: 10px; }
    .controls input { flex: 1; border: 1px solid var(--line); border-radius: 10px; padding: 8px 10px; }
    button { border: 0; border-radius: 10px; padding: 8px 12px; background: var(--accent); color: #fff; font-weight: 700; cursor: pointer; }
    .cards { display: grid; gap: 10px; grid-template-columns: repeat(5, minmax(110px, 1fr)); }
    .card .label { color: var(--muted); font-size: 0.8rem; }
    .card .value { font-size: 1.4rem; font-weight: 700; margin-top: 4px; }
    table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); vertical-align: top; }
    .file { color: var(--accent); }
    .err { color: var(--danger); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>Chat Audit</h1>
      <div class="controls">
        <input id="token" type="password" placeholder="admin token (optional)" />
        <button id="connect">Connect</button>
      </div>
      <div id="conn" class="label"></div>
    </div>
    <div class="cards">
      <div class="card"><div class="label">State</div><div class="value" id="state">-</div></div>
      <div class="card"><div class="label">Restarts</div><div class="value" id="restarts">-</div></div>
      <div class="card"><div class="label">Messages</div><div class="value" id="messages">-</div></div>
      <div class="card"><div class="label">Files</div><div class="value" id="files">-</div></div>
      <div class="card"><div class="label">Sink errors</div><div class="value" id="sinkErrors">-</div></div>
    </div>
    <div class="bar">
      <table>
        <thead><tr><th>Time</th><th>Room</th><th>User</th><th>Content</th></tr></thead>
        <tbody id="events"></tbody>
      </table>
    </div>
  </div>
  <script>
    (function () {
      const $ = (id) => document.getElementById(id);
      let socket = null;

      function headers() {
        const token = $("token").value.trim();
        return token ? { Authorization: "Bearer " + token } : {};
      }

      async function refresh() {
        try {
          const res = await fetch("/v1/status", { headers: headers() });
          const body = await res.json();
          if (!res.ok) { $("conn").textContent = body.message; $("conn").className = "err"; return; }
          $("state").textContent = body.state;
          $("restarts").textContent = body.restarts;
          $("messages").textContent = body.tail.messages;
          $("files").textContent = body.tail.files;
          $("sinkErrors").textContent = body.tail.sinkErrors;
        } catch (e) {
          $("conn").textContent = String(e);
          $("conn").className = "err";
        }
      }

      function addRow(msg) {
        const e = msg.event;
        const row = document.createElement("tr");
        const content = msg.kind === "file" ? e.title + " [" + e.fileId + " " + e.mediaType + "]" : e.text;
        for (const text of [e.ts, e.roomName, e.username, content]) {
          const td = document.createElement("td");
          td.textContent = text;
          if (msg.kind === "file") td.className = "file";
          row.appendChild(td);
        }
        const body = $("events");
        body.insertBefore(row, body.firstChild);
        while (body.children.length > 200) body.removeChild(body.lastChild);
      }

      function connect() {
        if (socket) socket.close();
        const token = $("token").value.trim();
        window.localStorage.setItem("chataudit_dashboard_token", token);
        const proto = location.protocol === "https:" ? "wss://" : "ws://";
        const query = token ? "?access_token=" + encodeURIComponent(token) : "";
        socket = new WebSocket(proto + location.host + "/v1/events/ws" + query);
        socket.onopen = () => { $("conn").textContent = "live"; $("conn").className = ""; };
        socket.onclose = (ev) => { $("conn").textContent = "disconnected " + (ev.reason || ""); $("conn").className = "err"; };
        socket.onmessage = (ev) => addRow(JSON.parse(ev.data));
        refresh();
      }

      $("connect").addEventListener("click", connect);
      $("token").value = window.localStorage.getItem("chataudit_dashboard_token") || "";
      setInterval(refresh, 5000);
      connect();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
