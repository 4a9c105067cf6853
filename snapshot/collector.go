package snapshot

// collectorJS is the single read-only extraction pass, evaluated as
// (fn)(maxDepth). It gathers interactive elements with their selector
// strategies and fingerprints, a depth-bounded outline, scroll metrics,
// and page metadata. It must not mutate the DOM.
const collectorJS = `(maxDepth) => {
	const interactiveRoles = new Set([
		"button", "link", "checkbox", "radio", "combobox", "listbox",
		"menuitem", "menuitemcheckbox", "menuitemradio", "option",
		"searchbox", "slider", "spinbutton", "switch", "tab", "textbox",
	]);
	const landmarkTags = new Set([
		"nav", "main", "header", "footer", "aside", "form", "section",
		"article", "dialog",
	]);

	const isInteractive = (el) => {
		const tag = el.tagName.toLowerCase();
		if (tag === "a") return el.hasAttribute("href");
		if (tag === "button" || tag === "select" || tag === "textarea") return true;
		if (tag === "input") return el.type !== "hidden";
		const role = el.getAttribute("role");
		if (role && interactiveRoles.has(role.toLowerCase())) return true;
		return el.hasAttribute("tabindex") && el.tabIndex >= 0;
	};

	// Zero-size elements are skipped except for types that stay
	// interactable while visually hidden behind custom chrome.
	const isUsable = (el) => {
		if (el.disabled) return false;
		const tag = el.tagName.toLowerCase();
		if (tag === "select" || (tag === "input" && el.type === "file")) return true;
		const r = el.getBoundingClientRect();
		if (r.width <= 0 || r.height <= 0) return false;
		const st = window.getComputedStyle(el);
		return st.display !== "none" && st.visibility !== "hidden";
	};

	const structuralPath = (el) => {
		const parts = [];
		for (let n = el; n && n.nodeType === 1 && n.tagName.toLowerCase() !== "html"; n = n.parentElement) {
			const tag = n.tagName.toLowerCase();
			let idx = 1;
			for (let sib = n.previousElementSibling; sib; sib = sib.previousElementSibling) {
				if (sib.tagName === n.tagName) idx++;
			}
			parts.unshift(tag + ":nth-of-type(" + idx + ")");
		}
		return "html > " + parts.join(" > ");
	};

	const shortPath = (el) => {
		if (el.id && document.querySelectorAll("#" + CSS.escape(el.id)).length === 1) {
			return "#" + CSS.escape(el.id);
		}
		const tag = el.tagName.toLowerCase();
		let idx = 1;
		for (let sib = el.previousElementSibling; sib; sib = sib.previousElementSibling) {
			if (sib.tagName === el.tagName) idx++;
		}
		const parent = el.parentElement;
		if (parent && parent.id && document.querySelectorAll("#" + CSS.escape(parent.id)).length === 1) {
			return "#" + CSS.escape(parent.id) + " > " + tag + ":nth-of-type(" + idx + ")";
		}
		return tag + ":nth-of-type(" + idx + ")";
	};

	const q = (s) => '"' + String(s).replace(/\\/g, "\\\\").replace(/"/g, '\\"') + '"';

	// Test id wins outright; otherwise a tag-qualified combination of
	// whatever attributes the element actually carries, or nothing.
	const attrSelector = (el) => {
		const tag = el.tagName.toLowerCase();
		for (const idAttr of ["data-testid", "data-test-id"]) {
			const testID = el.getAttribute(idAttr);
			if (testID) return tag + "[" + idAttr + "=" + q(testID) + "]";
		}
		let sel = tag;
		let found = false;
		for (const attr of ["type", "name", "placeholder", "role", "aria-label"]) {
			const v = el.getAttribute(attr);
			if (v) {
				sel += "[" + attr + "=" + q(v) + "]";
				found = true;
			}
		}
		return found ? sel : "";
	};

	const accessibleName = (el) => {
		const aria = el.getAttribute("aria-label");
		if (aria) return aria.trim();
		const name = el.getAttribute("name");
		if (name) return name;
		const tag = el.tagName.toLowerCase();
		if (tag === "a" || tag === "button" || el.getAttribute("role")) {
			return (el.innerText || el.value || "").trim().slice(0, 80);
		}
		return "";
	};

	const elements = [];
	for (const el of document.querySelectorAll("*")) {
		if (!isInteractive(el) || !isUsable(el)) continue;
		elements.push({
			tag: el.tagName.toLowerCase(),
			role: (el.getAttribute("role") || "").toLowerCase(),
			type: el.tagName.toLowerCase() === "input" ? el.type : "",
			name: accessibleName(el),
			placeholder: el.getAttribute("placeholder") || "",
			text: (el.innerText || el.value || "").trim().slice(0, 120),
			path: structuralPath(el),
			shortPath: shortPath(el),
			attrSelector: attrSelector(el),
		});
	}

	const outline = [];
	const walk = (node, depth) => {
		if (depth >= maxDepth) return;
		for (const child of node.children) {
			const tag = child.tagName.toLowerCase();
			const role = (child.getAttribute("role") || "").toLowerCase();
			let label = "";
			if (/^h[1-6]$/.test(tag)) label = "heading";
			else if (landmarkTags.has(tag)) label = tag;
			else if (role) label = role;
			if (label) {
				const name = (child.getAttribute("aria-label") || child.innerText || "")
					.trim().split("\n")[0].slice(0, 120);
				outline.push({ role: label, name: name, depth: depth });
				walk(child, depth + 1);
			} else {
				walk(child, depth);
			}
		}
	};
	if (document.body) walk(document.body, 0);

	const total = document.documentElement.scrollHeight;
	const viewport = window.innerHeight;
	const above = Math.round(window.scrollY);
	return {
		url: window.location.href,
		title: document.title,
		elements: elements,
		outline: outline,
		scroll: {
			above: above,
			below: Math.max(0, total - viewport - above),
			total: total,
			viewport: viewport,
		},
	};
}`
